package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/relves/socialrecovery/pkg/recovery"
	"github.com/relves/socialrecovery/pkg/types"
)

var planCmd = &cobra.Command{
	Use:   "plan <lost> <rescuer>",
	Short: "Print the withdrawal plan of a lost account, optionally submitting it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lost, rescuer := types.Address(args[0]), types.Address(args[1])
		logger := slog.Default()

		d, err := loadDeps(logger)
		if err != nil {
			return err
		}
		defer d.Close()

		m := recovery.NewMachine(recovery.MachineConfig{
			Ledger:     d.ledger,
			Self:       rescuer,
			Identities: d.ledger.Identities(),
			Drafts:     d.drafts,
			Journal:    d.journal,
			Logger:     logger,
		})
		defer m.Close()

		ctx := cmd.Context()
		report, err := buildPlan(ctx, m, lost, rescuer, viper.GetDuration("timeout"))
		if err != nil {
			return err
		}

		if viper.GetBool("submit") {
			out, err := m.Submit(ctx, viper.GetString("password"))
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			report.Outcome = outcomeView(out)
			if err := m.Acknowledge(); err != nil {
				return err
			}
		}
		return writeReport(cmd.OutOrStdout(), report, viper.GetBool("json"))
	},
}

func init() {
	planCmd.Flags().Bool("submit", false, "submit the plan to the ledger")
	planCmd.Flags().String("password", "", "password of the signing account")
	planCmd.Flags().Bool("json", false, "output JSON instead of YAML")
	planCmd.Flags().Duration("timeout", 30*time.Second, "how long to wait for the snapshot")
}

// PlanReport is what plan prints.
type PlanReport struct {
	Lost    types.Address `json:"lost" yaml:"lost"`
	Rescuer types.Address `json:"rescuer" yaml:"rescuer"`
	Steps   []string      `json:"steps" yaml:"steps"`
	Calls   []CallView    `json:"calls" yaml:"calls"`
	Outcome *OutcomeView  `json:"outcome,omitempty" yaml:"outcome,omitempty"`
}

type CallView struct {
	Signer types.Address `json:"signer" yaml:"signer"`
	Call   string        `json:"call" yaml:"call"`
}

type OutcomeView struct {
	Success bool             `json:"success" yaml:"success"`
	Calls   []CallResultView `json:"calls" yaml:"calls"`
}

type CallResultView struct {
	Call      string `json:"call" yaml:"call"`
	Submitted bool   `json:"submitted" yaml:"submitted"`
	BlockHash string `json:"block_hash,omitempty" yaml:"block_hash,omitempty"`
	Fee       string `json:"fee,omitempty" yaml:"fee,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// buildPlan drives m from Home to the withdrawal Review of lost.
func buildPlan(ctx context.Context, m *recovery.Machine, lost, rescuer types.Address, timeout time.Duration) (*PlanReport, error) {
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	if err := m.OpenInitiate(ctx); err != nil {
		return nil, err
	}
	if m.LostAccount() != lost {
		if err := m.SelectLostAccount(ctx, lost); err != nil {
			return nil, err
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := m.Aggregator().Wait(waitCtx); err != nil {
		return nil, fmt.Errorf("waiting for snapshot: %w", err)
	}
	if snap := m.Snapshot(); !snap.IsComplete() {
		return nil, fmt.Errorf("%w: %s", recovery.ErrSnapshotPending, strings.Join(snap.PendingFields(), ", "))
	}
	if err := m.Withdraw(ctx); err != nil {
		return nil, err
	}

	plan := m.Plan()
	report := &PlanReport{Lost: lost, Rescuer: rescuer}
	if plan.Withdrawal != nil {
		report.Steps = plan.Withdrawal.Steps
	}
	for _, c := range plan.Calls {
		report.Calls = append(report.Calls, CallView{Signer: c.Signer, Call: c.Call.String()})
	}
	return report, nil
}

func outcomeView(out *recovery.Outcome) *OutcomeView {
	v := &OutcomeView{Success: out.Success}
	for _, c := range out.Calls {
		cv := CallResultView{
			Call:      c.Call.Call.Name(),
			Submitted: c.Submitted,
			BlockHash: c.Result.BlockHash,
			Error:     c.Error,
		}
		if c.Result.Fee != nil {
			cv.Fee = c.Result.Fee.String()
		}
		v.Calls = append(v.Calls, cv)
	}
	return v
}

func writeReport(w io.Writer, v any, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(v)
}
