package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowspec.dev/flowspec/engine/exec"
	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/instantiate"
	"flowspec.dev/flowspec/engine/truth"
	evidences3 "flowspec.dev/flowspec/features/evidence/s3"
)

func flowCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Instantiate and execute flows",
	}
	cmd.AddCommand(
		flowCreateCmd(v),
		flowStartTaskCmd(v),
		flowRecordOutcomeCmd(v),
		flowAttachEvidenceCmd(v),
		flowValidityCmd(v),
		flowAssignCmd(v),
		flowUnassignCmd(v),
		flowActionableCmd(v),
		flowTimelineCmd(v),
		flowDiagnoseCmd(v),
	)
	return cmd
}

func flowCreateCmd(v *viper.Viper) *cobra.Command {
	var (
		workflowID string
		scopeType  string
		scopeID    string
		groupID    string
		seed       string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Instantiate a published workflow into a flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			req := instantiate.CreateFlowRequest{
				WorkflowID:  workflowID,
				ScopeType:   scopeType,
				ScopeID:     scopeID,
				FlowGroupID: groupID,
			}
			if seed != "" {
				req.InitialEvidence = json.RawMessage(seed)
			}
			res, err := a.flows.CreateFlow(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(struct {
				Flow    *flow.Flow  `json:"flow"`
				Group   *flow.Group `json:"group"`
				Created bool        `json:"created"`
			}{res.Flow, res.Group, res.Created})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow to instantiate")
	cmd.Flags().StringVar(&scopeType, "scope-type", "", "execution scope type")
	cmd.Flags().StringVar(&scopeID, "scope-id", "", "execution scope ID")
	cmd.Flags().StringVar(&groupID, "group", "", "existing flow group ID")
	cmd.Flags().StringVar(&seed, "evidence", "", "anchor identity JSON ({\"customerId\": ...})")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func flowStartTaskCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "start-task <flow-id> <task-id>",
		Short: "Start a task on an activated node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			row, err := a.engine.StartTask(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(row)
		},
	}
}

func flowRecordOutcomeCmd(v *viper.Viper) *cobra.Command {
	var (
		outcome  string
		detourID string
		startAt  string
		endAt    string
	)
	cmd := &cobra.Command{
		Use:   "record-outcome <flow-id> <task-id>",
		Short: "Record a task outcome, routing downstream nodes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			req := exec.RecordOutcomeRequest{
				FlowID:   args[0],
				TaskID:   args[1],
				Outcome:  outcome,
				DetourID: detourID,
			}
			if startAt != "" || endAt != "" {
				window, err := parseWindow(startAt, endAt)
				if err != nil {
					return err
				}
				req.Schedule = window
			}
			res, err := a.engine.RecordOutcome(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome name")
	cmd.Flags().StringVar(&detourID, "detour", "", "detour ID committing a change request")
	cmd.Flags().StringVar(&startAt, "start", "", "schedule window start (RFC 3339)")
	cmd.Flags().StringVar(&endAt, "end", "", "schedule window end (RFC 3339)")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func flowAttachEvidenceCmd(v *viper.Viper) *cobra.Command {
	var (
		evidenceType string
		data         string
		file         string
		upload       string
		key          string
	)
	cmd := &cobra.Command{
		Use:   "attach-evidence <flow-id> <task-id>",
		Short: "Attach evidence to a started task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			payload := json.RawMessage(data)
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read evidence file: %w", err)
				}
				payload = raw
			}
			if upload != "" {
				if a.objects == nil {
					return errors.New("--upload requires --s3-bucket")
				}
				payload, err = uploadEvidence(cmd.Context(), a.objects, upload)
				if err != nil {
					return err
				}
				evidenceType = string(truth.EvidenceFile)
			}
			att, err := a.engine.AttachEvidence(cmd.Context(), exec.AttachEvidenceRequest{
				FlowID:         args[0],
				TaskID:         args[1],
				Type:           truth.EvidenceType(evidenceType),
				Data:           payload,
				IdempotencyKey: key,
			})
			if err != nil {
				return err
			}
			return printJSON(att)
		},
	}
	cmd.Flags().StringVar(&evidenceType, "type", "", "evidence type (STRUCTURED, TEXT or FILE)")
	cmd.Flags().StringVar(&data, "data", "", "payload envelope JSON")
	cmd.Flags().StringVar(&file, "data-file", "", "file holding the payload envelope JSON")
	cmd.Flags().StringVar(&upload, "upload", "", "local file to upload to S3 and attach as FILE evidence")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	return cmd
}

// uploadEvidence streams the file into the object store and builds the FILE
// pointer envelope for it.
func uploadEvidence(ctx context.Context, objects *evidences3.Store, path string) (json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open evidence file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat evidence file: %w", err)
	}
	storageKey, err := objects.PutReader(ctx, f)
	if err != nil {
		return nil, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return json.Marshal(map[string]any{
		"pointer": truth.FilePointer{
			StorageKey: storageKey,
			FileName:   filepath.Base(path),
			MimeType:   mimeType,
			Size:       info.Size(),
			Bucket:     objects.Bucket(),
		},
	})
}

func flowValidityCmd(v *viper.Viper) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "validity <execution-id>",
		Short: "Override the effective validity of a recorded outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			ev, err := a.engine.RecordValidity(cmd.Context(), args[0], truth.ValidityState(state))
			if err != nil {
				return err
			}
			return printJSON(ev)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "validity state (VALID or INVALID)")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func flowAssignCmd(v *viper.Viper) *cobra.Command {
	var (
		memberID string
		name     string
		email    string
	)
	cmd := &cobra.Command{
		Use:   "assign <flow-id> <task-id>",
		Short: "Assign a member or external party to a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			assignee := flow.Assignee{Kind: flow.AssigneeExternal, Name: name, Email: email}
			if memberID != "" {
				assignee = flow.Assignee{Kind: flow.AssigneePerson, MemberID: memberID}
			}
			asg, err := a.engine.Assign(cmd.Context(), args[0], args[1], assignee)
			if err != nil {
				return err
			}
			return printJSON(asg)
		},
	}
	cmd.Flags().StringVar(&memberID, "member-id", "", "assignee member ID (person)")
	cmd.Flags().StringVar(&name, "name", "", "assignee display name (external)")
	cmd.Flags().StringVar(&email, "email", "", "assignee contact address (external)")
	return cmd
}

func flowUnassignCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <assignment-id>",
		Short: "Remove a task assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			if err := a.engine.Unassign(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("unassigned", args[0])
			return nil
		},
	}
}

func flowActionableCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "actionable <flow-id>",
		Short: "List the flow's actionable tasks with signals and recommendations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			tasks, err := a.query.ActionableTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(tasks)
		},
	}
}

func flowTimelineCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <flow-id>",
		Short: "Show the flow's chronological event timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			entries, err := a.query.Timeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
}

func flowDiagnoseCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose <flow-id> <task-id>",
		Short: "Explain why a task is not actionable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			d, err := a.diagnose.Diagnose(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(d)
		},
	}
}

// parseWindow builds a schedule window from RFC 3339 flag values.
func parseWindow(startAt, endAt string) (*exec.ScheduleWindow, error) {
	start, err := time.Parse(time.RFC3339, startAt)
	if err != nil {
		return nil, fmt.Errorf("parse --start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, endAt)
	if err != nil {
		return nil, fmt.Errorf("parse --end: %w", err)
	}
	return &exec.ScheduleWindow{StartAt: start, EndAt: end}, nil
}
