package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/health"
	"github.com/felixgeelhaar/flotilla/internal/ux"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check git, the approval store, state directories and the agent command",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorReport struct {
	Status health.Status             `json:"status"`
	Checks map[string]*health.Result `json:"checks"`
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	svc := newServices(cc)
	defer svc.Close()

	checks := svc.Probes().Check(cmd.Context())
	report := doctorReport{Status: health.Overall(checks), Checks: checks}
	if err := cc.PrintWith(report, report); err != nil {
		return err
	}
	if report.Status == health.StatusUnhealthy {
		return errors.New(errors.ErrCodeConfigInvalid, "environment is not ready to run agents")
	}
	return nil
}

func (r doctorReport) Render(w io.Writer, s ux.Styles) error {
	rows := make([][]string, 0, len(r.Checks))
	for _, name := range health.SortedNames(r.Checks) {
		res := r.Checks[name]
		detail := res.Details["suggestion"]
		if detail == "" {
			detail = res.Details["path"]
		}
		rows = append(rows, []string{name, s.Status(string(res.Status)), res.Message, detail})
	}
	fmt.Fprint(w, s.Table([]string{"CHECK", "STATUS", "MESSAGE", "DETAIL"}, rows))
	fmt.Fprintf(w, "overall: %s\n", s.Status(string(r.Status)))
	return nil
}
