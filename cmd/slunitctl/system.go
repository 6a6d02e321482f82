package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sunlightlinux/slunit/pkg/control"
)

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	Aliases: []string{"list-jobs"},
	Short:   "List pending jobs",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *control.Client) error {
			jobs, err := c.ListJobs()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs running.")
				return nil
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Job", "Unit", "Type", "State"})
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			table.SetHeaderLine(false)
			table.SetCenterSeparator("")
			table.SetColumnSeparator("")
			table.SetRowSeparator("")
			table.SetTablePadding("  ")
			table.SetNoWhiteSpace(true)
			for _, j := range jobs {
				table.Append([]string{strconv.FormatUint(uint64(j.ID), 10), j.Unit, j.Type, j.State})
			}
			table.Render()
			fmt.Printf("\n%d jobs listed.\n", len(jobs))
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel JOB...",
	Short: "Cancel pending jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uint32, 0, len(args))
		for _, a := range args {
			id, err := strconv.ParseUint(a, 10, 32)
			if err != nil {
				return fmt.Errorf("invalid job id '%s'", a)
			}
			ids = append(ids, uint32(id))
		}
		return withClient(func(c *control.Client) error {
			for _, id := range ids {
				if err := c.CancelJob(id); err != nil {
					return fmt.Errorf("cancel job %d: %w", id, err)
				}
			}
			return nil
		})
	},
}

var reloadCmd = &cobra.Command{
	Use:     "reload",
	Aliases: []string{"daemon-reload"},
	Short:   "Reload all unit files",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *control.Client) error {
			return c.Reload()
		})
	},
}

var reexecCmd = &cobra.Command{
	Use:     "reexec",
	Aliases: []string{"daemon-reexec"},
	Short:   "Serialize the manager state and re-execute the manager",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("checkpoint")
		return withClient(func(c *control.Client) error {
			return c.Reexec(path)
		})
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown [ACTION]",
	Short: "Stop all units and reboot, power off or exit",
	Long: `shutdown asks the manager to stop every unit and then take ACTION:
reboot, poweroff or exit (the default for a user manager is exit).
The -force variants skip stopping units and the -immediate variants
reboot or power off at once.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := "poweroff"
		if userMode {
			action = "exit"
		}
		if len(args) == 1 {
			action = args[0]
		}
		return withClient(func(c *control.Client) error {
			if err := c.Shutdown(action); err != nil {
				return err
			}
			fmt.Printf("Shutdown (%s) initiated.\n", action)
			return nil
		})
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print unit state changes as they happen",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *control.Client) error {
			if err := c.Subscribe(true); err != nil {
				return err
			}
			for {
				kind, payload, err := c.WaitInfo()
				if err != nil {
					return err
				}
				if kind != control.InfoUnitEvent {
					continue
				}
				var ev control.UnitEvent
				if err := control.Unmarshal(payload, &ev); err != nil {
					return err
				}
				fmt.Println(formatEvent(ev))
			}
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show client and manager versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("slunitctl version %s\n", version)
		return withClient(func(c *control.Client) error {
			v, err := c.Version()
			if err != nil {
				return err
			}
			fmt.Printf("slunit version %s (protocol %d)\n", v.Version, v.Protocol)
			return nil
		})
	},
}

func init() {
	reexecCmd.Flags().String("checkpoint", "", "where to write the checkpoint (default from the manager settings)")

	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(reexecCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(versionCmd)
}
