package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"packship/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or clear the persisted publish state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current publish state and its history",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		m := state.NewMachine(e.projectPath)
		ok, err := m.Restore()
		if err != nil {
			return fmt.Errorf("state file is corrupt: %w (run `packship state clear`)", err)
		}
		if !ok {
			fmt.Println("No publish in progress.")
			return nil
		}

		data := m.Data()
		fmt.Printf("State:     %s\n", data.CurrentState)
		if data.Registry != "" {
			fmt.Printf("Registry:  %s\n", data.Registry)
		}
		if data.PackageName != "" {
			fmt.Printf("Package:   %s@%s\n", data.PackageName, data.Version)
		}
		if data.Error != "" {
			fmt.Printf("Error:     %s\n", data.Error)
		}
		fmt.Printf("Resumable: %v\n", data.CanResume)

		t := newTable(tableRow("FROM", "TO", "AT"))
		for _, tr := range data.Transitions {
			t.AppendRow(tableRow(string(tr.From), string(tr.To),
				tr.Timestamp.Local().Format("2006-01-02 15:04:05")))
		}
		t.Render()
		return nil
	},
}

var stateClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the persisted publish state",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		if err := state.NewMachine(e.projectPath).Clear(); err != nil {
			return err
		}
		fmt.Println("Publish state cleared.")
		return nil
	},
}

func init() {
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateClearCmd)
}
