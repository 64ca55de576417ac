package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/transport/http/dto"
	"github.com/hostshift/backend/pkg/utils/sshkeygen"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// SetupCLI registers every hostshiftctl command on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("server", "", "Server base URL (default $HOSTSHIFT_SERVER or http://localhost:8080)")
	rootCmd.PersistentFlags().String("token", "", "Admin API key (default $HOSTSHIFT_AUTH_ADMIN_API_KEY)")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		// Load .env if present
		_ = godotenv.Load()
	}

	rootCmd.AddCommand(hostsCmd(), migrateCmd(), taskCmd(), scheduleCmd(), keyCmd(), keygenCmd())
}

func clientFrom(cmd *cobra.Command) *Client {
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = os.Getenv("HOSTSHIFT_SERVER")
	}
	if server == "" {
		server = "http://localhost:8080"
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("HOSTSHIFT_AUTH_ADMIN_API_KEY")
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return NewClient(server, token, timeout)
}

func parseHostID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid host id %q", arg)
	}
	return uint(id), nil
}

func invalid(errs []string) error {
	return fmt.Errorf("invalid arguments: %s", strings.Join(errs, "; "))
}

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func ago(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.Time(*t)
}

func hostsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "hosts", Short: "Manage registered hosts"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, err := clientFrom(cmd).ListHosts(cmd.Context())
			if err != nil {
				return err
			}
			printHosts(cmd.OutOrStdout(), hosts)
			return nil
		},
	}

	var req dto.CreateHostRequest
	add := &cobra.Command{
		Use:   "add NAME ADDRESS",
		Short: "Register a host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name, req.Address = args[0], args[1]
			if errs := req.Validate(); len(errs) > 0 {
				return invalid(errs)
			}
			host, err := clientFrom(cmd).CreateHost(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered host %q with ID %d\n", host.Name, host.ID)
			return nil
		},
	}
	add.Flags().IntVar(&req.SSHPort, "ssh-port", 22, "SSH port")
	add.Flags().StringVar(&req.Username, "user", "root", "SSH user")
	add.Flags().StringVar(&req.Password, "password", "", "SSH password (fleet key is used when empty)")
	add.Flags().StringVar(&req.APITokenID, "api-token-id", "", "PVE API token id, e.g. root@pam!hostshift")
	add.Flags().StringVar(&req.APITokenSecret, "api-token-secret", "", "PVE API token secret")
	add.Flags().IntVar(&req.APIPort, "api-port", 8006, "PVE API port")

	remove := &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseHostID(args[0])
			if err != nil {
				return err
			}
			if err := clientFrom(cmd).DeleteHost(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed host %d\n", id)
			return nil
		},
	}

	probe := &cobra.Command{
		Use:   "probe ID",
		Short: "Check connectivity and refresh node and cluster identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseHostID(args[0])
			if err != nil {
				return err
			}
			host, err := clientFrom(cmd).ProbeHost(cmd.Context(), id)
			if err != nil {
				return err
			}
			printHosts(cmd.OutOrStdout(), []dto.HostResponse{*host})
			if host.LastLog != "" {
				fmt.Fprintln(cmd.OutOrStdout(), host.LastLog)
			}
			return nil
		},
	}

	guests := &cobra.Command{
		Use:   "guests ID",
		Short: "List guests on a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseHostID(args[0])
			if err != nil {
				return err
			}
			list, err := clientFrom(cmd).ListGuests(cmd.Context(), id)
			if err != nil {
				return err
			}
			printGuests(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.AddCommand(list, add, remove, probe, guests)
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Start migrations"}

	var base dto.StartMigrationRequest
	var watch bool
	bindBase := func(c *cobra.Command) {
		c.Flags().UintVar(&base.SourceHostID, "source", 0, "Source host ID")
		c.Flags().UintVar(&base.TargetHostID, "target", 0, "Target host ID")
		c.Flags().StringVar(&base.TargetStorage, "storage", "", "Target storage")
		c.Flags().StringVar(&base.TargetBridge, "bridge", "", "Target network bridge")
		c.Flags().BoolVar(&base.Online, "online", false, "Live-migrate running guests where possible")
		c.Flags().BoolVar(&watch, "watch", false, "Follow the task until it finishes")
		_ = c.MarkFlagRequired("source")
		_ = c.MarkFlagRequired("target")
	}

	host := &cobra.Command{
		Use:   "host",
		Short: "Migrate every guest from one host to another",
		RunE: func(cmd *cobra.Command, args []string) error {
			if errs := base.Validate(); len(errs) > 0 {
				return invalid(errs)
			}
			client := clientFrom(cmd)
			id, err := client.StartMigration(cmd.Context(), base)
			if err != nil {
				return err
			}
			return started(cmd, client, id, watch)
		},
	}
	bindBase(host)

	var vmid, targetVMID int
	var vmType string
	guest := &cobra.Command{
		Use:   "guest",
		Short: "Migrate a single guest",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := dto.StartGuestMigrationRequest{StartMigrationRequest: base, VMID: vmid, VMType: vmType}
			if cmd.Flags().Changed("target-vmid") {
				req.TargetVMID = &targetVMID
			}
			if errs := req.Validate(); len(errs) > 0 {
				return invalid(errs)
			}
			client := clientFrom(cmd)
			id, err := client.StartGuestMigration(cmd.Context(), req)
			if err != nil {
				return err
			}
			return started(cmd, client, id, watch)
		},
	}
	bindBase(guest)
	guest.Flags().IntVar(&vmid, "vmid", 0, "Guest VMID")
	guest.Flags().StringVar(&vmType, "type", "qemu", "Guest type (qemu or lxc)")
	guest.Flags().IntVar(&targetVMID, "target-vmid", 0, "VMID on the target (allocated automatically when omitted)")
	_ = guest.MarkFlagRequired("vmid")

	cmd.AddCommand(host, guest)
	return cmd
}

func started(cmd *cobra.Command, client *Client, id string, watch bool) error {
	fmt.Fprintf(cmd.OutOrStdout(), "Started migration task %s\n", id)
	if !watch {
		return nil
	}
	return watchTask(cmd, client, id, 2*time.Second)
}

func watchTask(cmd *cobra.Command, client *Client, id string, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	task, err := client.WatchTask(ctx, id, interval, func(chunk string, t *domain.MigrationTask) {
		if chunk != "" {
			fmt.Fprint(out, chunk)
		}
		fmt.Fprintf(out, "-- %s %d/%d %s\n", t.Status, t.Progress, t.TotalSteps, t.CurrentStep)
	})
	if err != nil {
		return err
	}
	if task.Status != domain.MigrationStatusCompleted {
		return fmt.Errorf("task %s finished %s: %s", id, task.Status, task.Error)
	}
	return nil
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect migration tasks"}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := clientFrom(cmd).ListTasks(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of tasks")

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show a task and its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := clientFrom(cmd).GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), task)
			return nil
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := clientFrom(cmd).CancelTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s is %s\n", task.ID, task.Status)
			return nil
		},
	}

	var interval time.Duration
	watch := &cobra.Command{
		Use:   "watch ID",
		Short: "Follow a task until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchTask(cmd, clientFrom(cmd), args[0], interval)
		},
	}
	watch.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval")

	cmd.AddCommand(list, get, cancel, watch)
	return cmd
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schedule", Short: "Manage scheduled host migrations"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			schedules, err := clientFrom(cmd).ListSchedules(cmd.Context())
			if err != nil {
				return err
			}
			w := table(cmd.OutOrStdout())
			fmt.Fprintln(w, "ID\tNAME\tSOURCE\tTARGET\tCRON\tENABLED\tLAST RUN\tNEXT RUN\tLAST ERROR")
			for _, s := range schedules {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%t\t%s\t%s\t%s\n",
					s.ID, s.Name, s.SourceHostID, s.TargetHostID, s.Cron, s.Enabled, ago(s.LastRunAt), ago(s.NextRunAt), s.LastError)
			}
			return w.Flush()
		},
	}

	var req dto.UpsertScheduleRequest
	var disabled bool
	set := &cobra.Command{
		Use:   "set NAME CRON",
		Short: "Create or replace a schedule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name, req.Cron = args[0], args[1]
			enabled := !disabled
			req.Enabled = &enabled
			if errs := req.Validate(); len(errs) > 0 {
				return invalid(errs)
			}
			sched, err := clientFrom(cmd).UpsertSchedule(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved schedule %q (%s), next run %s\n", sched.Name, sched.ID, ago(sched.NextRunAt))
			return nil
		},
	}
	set.Flags().UintVar(&req.SourceHostID, "source", 0, "Source host ID")
	set.Flags().UintVar(&req.TargetHostID, "target", 0, "Target host ID")
	set.Flags().StringVar(&req.TargetStorage, "storage", "", "Target storage")
	set.Flags().StringVar(&req.TargetBridge, "bridge", "", "Target network bridge")
	set.Flags().BoolVar(&req.Online, "online", false, "Live-migrate running guests where possible")
	set.Flags().BoolVar(&disabled, "disabled", false, "Store the schedule without arming it")

	remove := &cobra.Command{
		Use:   "remove ID",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFrom(cmd).DeleteSchedule(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed schedule %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, set, remove)
	return cmd
}

func keyCmd() *cobra.Command {
	var rotate bool
	cmd := &cobra.Command{
		Use:   "ssh-key",
		Short: "Show the fleet SSH public key to install on hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := clientFrom(cmd).SSHKey(cmd.Context(), rotate)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n# %s\n", key.PublicKey, key.Fingerprint)
			return nil
		},
	}
	cmd.Flags().BoolVar(&rotate, "rotate", false, "Generate a new fleet key first")
	return cmd
}

func keygenCmd() *cobra.Command {
	var path, comment string
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a local ed25519 key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("failed to get home directory: %w", err)
				}
				path = filepath.Join(home, ".ssh", "id_ed25519")
			}
			pair, err := sshkeygen.Generate(comment)
			if err != nil {
				return err
			}
			if err := pair.WriteFiles(path, force); err != nil {
				return err
			}
			fp, err := sshkeygen.Fingerprint(pair.PublicKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Private key: %s\nPublic key: %s.pub\nFingerprint: %s\n", path, path, fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "out", "", "Private key path (default ~/.ssh/id_ed25519)")
	cmd.Flags().StringVar(&comment, "comment", "hostshift", "Public key comment")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing key")
	return cmd
}

func printHosts(out io.Writer, hosts []dto.HostResponse) {
	if len(hosts) == 0 {
		fmt.Fprintln(out, "No hosts registered.")
		return
	}
	w := table(out)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tNODE\tCLUSTER\tSTATUS\tAPI\tPROBED")
	for _, h := range hosts {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			h.ID, h.Name, h.Address, h.NodeName, h.ClusterName, h.Status, h.HasAPIToken, ago(h.LastProbedAt))
	}
	w.Flush()
}

func printGuests(out io.Writer, guests []domain.Guest) {
	if len(guests) == 0 {
		fmt.Fprintln(out, "No guests found.")
		return
	}
	w := table(out)
	fmt.Fprintln(w, "VMID\tTYPE\tNAME\tNODE\tSTATUS")
	for _, g := range guests {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", g.VMID, g.Type, g.Name, g.Node, g.Status)
	}
	w.Flush()
}

func printTasks(out io.Writer, tasks []domain.MigrationTask) {
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No migration tasks found.")
		return
	}
	w := table(out)
	fmt.Fprintln(w, "ID\tKIND\tSOURCE\tTARGET\tSTATUS\tPROGRESS\tCREATED")
	for _, t := range tasks {
		created := t.CreatedAt
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%d/%d\t%s\n",
			t.ID, t.Kind, t.SourceHostID, t.TargetHostID, t.Status, t.Progress, t.TotalSteps, ago(&created))
	}
	w.Flush()
}

func printTask(out io.Writer, t *domain.MigrationTask) {
	fmt.Fprintf(out, "Task:     %s (%s)\n", t.ID, t.Kind)
	fmt.Fprintf(out, "Hosts:    %d -> %d\n", t.SourceHostID, t.TargetHostID)
	fmt.Fprintf(out, "Status:   %s, %d/%d steps\n", t.Status, t.Progress, t.TotalSteps)
	if t.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", t.Error)
	}
	w := table(out)
	fmt.Fprintln(w, "\nSTEP\tTYPE\tSTATUS\tERROR")
	for _, s := range t.Steps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Type, s.Status, s.Error)
	}
	w.Flush()
	if t.Log != "" {
		fmt.Fprintf(out, "\n%s", t.Log)
	}
}
