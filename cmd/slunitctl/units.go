package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sunlightlinux/slunit/pkg/control"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls", "list-units"},
	Short:   "List loaded units",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		unitType, _ := cmd.Flags().GetString("type")
		return withClient(func(c *control.Client) error {
			units, err := c.ListUnits()
			if err != nil {
				return err
			}
			printUnits(filterUnits(units, all, unitType))
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status UNIT",
	Short: "Show detailed unit status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		return withClient(func(c *control.Client) error {
			st, err := c.Status(args[0])
			if err != nil {
				return err
			}
			return printStatus(st, output)
		})
	},
}

func jobCommand(use, short string, code uint8, verb string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " UNIT...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetBool("wait")
			return withClient(func(c *control.Client) error {
				for _, name := range args {
					job, err := c.Job(code, name, wait)
					if err != nil {
						return fmt.Errorf("%s %s: %w", use, name, err)
					}
					if err := reportJob(job, verb, wait); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("wait", false, "wait for the job to finish")
	return cmd
}

var resetFailedCmd = &cobra.Command{
	Use:   "reset-failed [UNIT]",
	Short: "Reset the failed state of one or all units",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		return withClient(func(c *control.Client) error {
			return c.ResetFailed(name)
		})
	},
}

var killCmd = &cobra.Command{
	Use:   "kill UNIT",
	Short: "Send a signal to the processes of a unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		who, _ := cmd.Flags().GetString("who")
		sig, _ := cmd.Flags().GetString("signal")
		return withClient(func(c *control.Client) error {
			if err := c.Kill(args[0], who, sig); err != nil {
				return err
			}
			fmt.Printf("Signal %s sent to %s.\n", sig, args[0])
			return nil
		})
	},
}

var abandonCmd = &cobra.Command{
	Use:   "abandon SCOPE",
	Short: "Stop managing a scope while leaving its processes alone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *control.Client) error {
			if err := c.Abandon(args[0]); err != nil {
				return err
			}
			fmt.Printf("Scope '%s' abandoned.\n", args[0])
			return nil
		})
	},
}

var createScopeCmd = &cobra.Command{
	Use:   "create-scope NAME",
	Short: "Group running processes into a new transient scope",
	Long: `create-scope moves the given processes into a new scope unit and
starts it. With --control the command stays connected as the scope's
controller and exits once the manager asks it to stop the scope.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		pids, _ := flags.GetIntSlice("pid")
		desc, _ := flags.GetString("description")
		user, _ := flags.GetString("uid")
		group, _ := flags.GetString("gid")
		timeout, _ := flags.GetDuration("timeout-stop")
		wait, _ := flags.GetBool("wait")
		controlled, _ := flags.GetBool("control")

		if len(pids) == 0 {
			return fmt.Errorf("at least one --pid is required")
		}
		req := &control.CreateScopeRequest{
			Name:        args[0],
			Description: desc,
			PIDs:        pids,
			User:        user,
			Group:       group,
			TimeoutStop: timeout,
			Wait:        wait,
		}
		return withClient(func(c *control.Client) error {
			if controlled {
				v, err := c.Version()
				if err != nil {
					return err
				}
				req.Controller = v.Peer
			}
			job, err := c.CreateScope(req)
			if err != nil {
				return err
			}
			if err := reportJob(job, "started", wait); err != nil {
				return err
			}
			if controlled {
				return awaitStopRequest(c, req.Name)
			}
			return nil
		})
	},
}

// awaitStopRequest blocks until the manager asks for scope to stop.
func awaitStopRequest(c *control.Client, scope string) error {
	for {
		kind, payload, err := c.WaitInfo()
		if err != nil {
			return err
		}
		if kind != control.InfoStopRequest {
			continue
		}
		var req control.StopRequest
		if err := control.Unmarshal(payload, &req); err != nil {
			return err
		}
		if req.Unit == scope {
			fmt.Printf("Stop requested for %s.\n", scope)
			return nil
		}
	}
}

func reportJob(job *control.JobReply, verb string, waited bool) error {
	if !waited {
		fmt.Printf("Queued %s job %d for %s.\n", job.Type, job.ID, job.Unit)
		return nil
	}
	if job.Result != "done" {
		return fmt.Errorf("job %d for %s finished with result '%s'", job.ID, job.Unit, job.Result)
	}
	fmt.Printf("Unit '%s' %s.\n", job.Unit, verb)
	return nil
}

func filterUnits(units []control.UnitInfo, all bool, unitType string) []control.UnitInfo {
	out := units[:0:0]
	for _, u := range units {
		if unitType != "" && u.Type != unitType {
			continue
		}
		if !all && u.Active == "inactive" && u.Job == "" && u.Load != "error" {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func printUnits(units []control.UnitInfo) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Unit", "Load", "Active", "Sub", "Job", "Description"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, u := range units {
		table.Append([]string{
			u.Name,
			colorLoad(u.Load),
			colorActive(u.Active),
			u.Sub,
			u.Job,
			u.Description,
		})
	}
	table.Render()
	fmt.Printf("\n%d units listed.\n", len(units))
}

// statusView is the structured form of a unit status.
type statusView struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Type        string     `yaml:"type" json:"type"`
	Load        string     `yaml:"load" json:"load"`
	LoadError   string     `yaml:"load-error,omitempty" json:"load-error,omitempty"`
	Fragment    string     `yaml:"fragment,omitempty" json:"fragment,omitempty"`
	Transient   bool       `yaml:"transient,omitempty" json:"transient,omitempty"`
	Active      string     `yaml:"active" json:"active"`
	Sub         string     `yaml:"sub" json:"sub"`
	Result      string     `yaml:"result,omitempty" json:"result,omitempty"`
	Job         string     `yaml:"job,omitempty" json:"job,omitempty"`
	Since       *time.Time `yaml:"since,omitempty" json:"since,omitempty"`
	ActiveEnter *time.Time `yaml:"active-enter,omitempty" json:"active-enter,omitempty"`
	ActiveExit  *time.Time `yaml:"active-exit,omitempty" json:"active-exit,omitempty"`
	What        string     `yaml:"what,omitempty" json:"what,omitempty"`
	Sysfs       string     `yaml:"sysfs,omitempty" json:"sysfs,omitempty"`
	Controller  string     `yaml:"controller,omitempty" json:"controller,omitempty"`
	Cgroup      string     `yaml:"cgroup,omitempty" json:"cgroup,omitempty"`
	PIDs        []int      `yaml:"pids,omitempty" json:"pids,omitempty"`
	ControlPID  int        `yaml:"control-pid,omitempty" json:"control-pid,omitempty"`
	Output      string     `yaml:"output,omitempty" json:"output,omitempty"`
}

func newStatusView(st *control.UnitStatus) statusView {
	return statusView{
		Name:        st.Name,
		Description: st.Description,
		Type:        st.Type,
		Load:        st.Load,
		LoadError:   st.LoadError,
		Fragment:    st.Fragment,
		Transient:   st.Transient,
		Active:      st.Active,
		Sub:         st.Sub,
		Result:      st.Result,
		Job:         st.Job,
		Since:       timePtr(st.StateChange),
		ActiveEnter: timePtr(st.ActiveEnter),
		ActiveExit:  timePtr(st.ActiveExit),
		What:        st.What,
		Sysfs:       st.Sysfs,
		Controller:  st.Controller,
		Cgroup:      st.Cgroup,
		PIDs:        st.PIDs,
		ControlPID:  st.ControlPID,
		Output:      st.Output,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func printStatus(st *control.UnitStatus, output string) error {
	switch output {
	case "", "text":
		fmt.Print(formatStatus(st, time.Now()))
		return nil
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(newStatusView(st))
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(newStatusView(st))
	default:
		return fmt.Errorf("unknown output format '%s' (use text, yaml or json)", output)
	}
}

func pidList(pids []int) string {
	s := ""
	for i, p := range pids {
		if i > 0 {
			s += " "
		}
		s += strconv.Itoa(p)
	}
	return s
}

func init() {
	listCmd.Flags().BoolP("all", "a", false, "include inactive units")
	listCmd.Flags().StringP("type", "t", "", "only list units of this type (scope, swap, device, target)")
	statusCmd.Flags().StringP("output", "o", "text", "output format (text, yaml, json)")
	killCmd.Flags().String("who", "all", "processes to signal (all, main, control)")
	killCmd.Flags().String("signal", "SIGTERM", "signal to send")

	createScopeCmd.Flags().IntSlice("pid", nil, "process to move into the scope (repeatable)")
	createScopeCmd.Flags().String("description", "", "unit description")
	createScopeCmd.Flags().String("uid", "", "user to delegate the scope cgroup to")
	createScopeCmd.Flags().String("gid", "", "group to delegate the scope cgroup to")
	createScopeCmd.Flags().Duration("timeout-stop", 0, "time to wait for processes after SIGTERM")
	createScopeCmd.Flags().Bool("wait", false, "wait for the scope to start")
	createScopeCmd.Flags().Bool("control", false, "stay connected as the scope controller")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobCommand("start", "Start units", control.CmdStartUnit, "started"))
	rootCmd.AddCommand(jobCommand("stop", "Stop units", control.CmdStopUnit, "stopped"))
	rootCmd.AddCommand(jobCommand("restart", "Restart units", control.CmdRestartUnit, "restarted"))
	rootCmd.AddCommand(resetFailedCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(abandonCmd)
	rootCmd.AddCommand(createScopeCmd)
}
