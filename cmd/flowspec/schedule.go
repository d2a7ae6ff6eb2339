package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowspec.dev/flowspec/engine/detour"
	"flowspec.dev/flowspec/engine/schedule"
)

func scheduleCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage schedule change requests",
	}
	cmd.AddCommand(
		scheduleRequestCmd(v),
		scheduleReviewCmd(v),
	)
	return cmd
}

func scheduleRequestCmd(v *viper.Viper) *cobra.Command {
	var (
		flowID    string
		taskID    string
		timeClass string
		reason    string
		startAt   string
		endAt     string
	)
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Open a schedule change request",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			req := detour.CreateRequest{
				FlowID:    flowID,
				TaskID:    taskID,
				TimeClass: schedule.TimeClass(timeClass),
				Reason:    reason,
			}
			if startAt != "" {
				t, err := time.Parse(time.RFC3339, startAt)
				if err != nil {
					return fmt.Errorf("parse --start: %w", err)
				}
				req.RequestedStartAt = &t
			}
			if endAt != "" {
				t, err := time.Parse(time.RFC3339, endAt)
				if err != nil {
					return fmt.Errorf("parse --end: %w", err)
				}
				req.RequestedEndAt = &t
			}
			cr, err := a.detours.CreateChangeRequest(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cr)
		},
	}
	cmd.Flags().StringVar(&flowID, "flow", "", "affected flow ID")
	cmd.Flags().StringVar(&taskID, "task", "", "affected task ID")
	cmd.Flags().StringVar(&timeClass, "time-class", "", "requested slot grade")
	cmd.Flags().StringVar(&reason, "reason", "", "request reason")
	cmd.Flags().StringVar(&startAt, "start", "", "requested window start (RFC 3339)")
	cmd.Flags().StringVar(&endAt, "end", "", "requested window end (RFC 3339)")
	_ = cmd.MarkFlagRequired("time-class")
	return cmd
}

func scheduleReviewCmd(v *viper.Viper) *cobra.Command {
	var (
		action      string
		checkpoint  string
		resume      string
		executionID string
	)
	cmd := &cobra.Command{
		Use:   "review <request-id>",
		Short: "Advance a change request through review",
		Long: `Advance a change request through its review lifecycle.

Actions: start_review, accept, reject, cancel. Accepting opens a blocking
detour anchored at the checkpoint execution; the detour commits when that
execution's outcome is recorded with the detour's ID.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			res, err := a.detours.Review(cmd.Context(), args[0], detour.ReviewAction(action), detour.ReviewParams{
				CheckpointNodeID:          checkpoint,
				ResumeTargetNodeID:        resume,
				CheckpointTaskExecutionID: executionID,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "review action (start_review, accept, reject, cancel)")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "checkpoint node ID (accept)")
	cmd.Flags().StringVar(&resume, "resume", "", "resume target node ID (accept)")
	cmd.Flags().StringVar(&executionID, "execution", "", "checkpoint task execution ID (accept)")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}
