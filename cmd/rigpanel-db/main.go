// Rig Panel Database CLI Tool
// Provides read-only command-line access to the panel's SQLite database
package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agsys/rigpanel/internal/storage"
)

const timeFormat = "2006-01-02 15:04:05"

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "rigpanel-db",
		Short: "Rig Panel Database CLI",
		Long:  "Command-line tool for inspecting the rig panel's local store and notice history.",
	}

	kvCmd = &cobra.Command{
		Use:   "kv",
		Short: "List local store values",
		RunE:  withDB(listValues),
	}

	readingsCmd = &cobra.Command{
		Use:   "readings [A|B]",
		Short: "Show soil moisture readings",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withDB(showReadings),
	}

	livenessCmd = &cobra.Command{
		Use:   "liveness",
		Short: "Show heartbeat verdicts",
		RunE:  withDB(showLiveness),
	}

	commandsCmd = &cobra.Command{
		Use:   "commands",
		Short: "Show command outcomes",
		RunE:  withDB(showCommands),
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  withDB(showStats),
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  withDB(executeQuery),
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/rigpanel/rig.db", "Database file path")

	readingsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	livenessCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	commandsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(kvCmd)
	rootCmd.AddCommand(readingsCmd)
	rootCmd.AddCommand(livenessCmd)
	rootCmd.AddCommand(commandsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type dbFunc func(db *storage.DB, out io.Writer, args []string) error

// withDB opens the database read-only for the duration of one command
func withDB(fn dbFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		db, err := storage.OpenReadOnly(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(db, cmd.OutOrStdout(), args)
	}
}

func listValues(db *storage.DB, out io.Writer, args []string) error {
	entries, err := db.Entries()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tVALUE\tUPDATED")
	fmt.Fprintln(w, "----\t-----\t-------")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Path, e.Value, e.UpdatedAt.Local().Format(timeFormat))
	}
	return w.Flush()
}

func showReadings(db *storage.DB, out io.Writer, args []string) error {
	sensor := ""
	if len(args) > 0 {
		sensor = strings.ToUpper(args[0])
		if sensor != "A" && sensor != "B" {
			return fmt.Errorf("unknown sensor %q (want A or B)", args[0])
		}
	}

	readings, err := db.GetReadings(sensor, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SENSOR\tMOISTURE\tTIME")
	fmt.Fprintln(w, "------\t--------\t----")
	for _, r := range readings {
		fmt.Fprintf(w, "%s\t%d%%\t%s\n", r.Sensor, r.Value, r.Timestamp.Local().Format(timeFormat))
	}
	return w.Flush()
}

func showLiveness(db *storage.DB, out io.Writer, args []string) error {
	records, err := db.GetLiveness(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tHEARTBEAT\tCHECKED")
	fmt.Fprintln(w, "------\t---------\t-------")
	for _, l := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", l.Status, heartbeatAge(l), l.Timestamp.Local().Format(timeFormat))
	}
	return w.Flush()
}

func showCommands(db *storage.DB, out io.Writer, args []string) error {
	records, err := db.GetCommands(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMMAND\tVALUE\tRESULT\tTIME")
	fmt.Fprintln(w, "-------\t-----\t------\t----")
	for _, c := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Kind, c.Value, commandResult(c), c.Timestamp.Local().Format(timeFormat))
	}
	return w.Flush()
}

func showStats(db *storage.DB, out io.Writer, args []string) error {
	stats, err := db.GetStats()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Database Statistics")
	fmt.Fprintln(out, "===================")
	fmt.Fprintf(out, "Store values:     %d\n", stats.Entries)
	fmt.Fprintf(out, "Sensor readings:  %d\n", stats.Readings)
	fmt.Fprintf(out, "Liveness checks:  %d\n", stats.Liveness)
	fmt.Fprintf(out, "Commands:         %d\n", stats.Commands)
	return nil
}

func executeQuery(db *storage.DB, out io.Writer, args []string) error {
	rows, err := db.Query(args[0])
	if err != nil {
		return err
	}
	defer rows.Close()

	return printRows(out, rows)
}

func printRows(out io.Writer, rows *sql.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		row := make([]string, len(values))
		for i, v := range values {
			switch val := v.(type) {
			case nil:
				row[i] = "NULL"
			case []byte:
				row[i] = string(val)
			default:
				row[i] = fmt.Sprintf("%v", val)
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return w.Flush()
}

func heartbeatAge(l *storage.LivenessRecord) string {
	if l.LastSeen == nil {
		return "never"
	}
	return fmt.Sprintf("%ds ago", l.AsOf-*l.LastSeen)
}

func commandResult(c *storage.CommandRecord) string {
	if c.Success {
		return "OK"
	}
	if c.Error != "" {
		return "FAILED: " + c.Error
	}
	return "FAILED"
}
