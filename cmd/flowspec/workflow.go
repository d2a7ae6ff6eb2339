package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"flowspec.dev/flowspec/engine/spec"
	"flowspec.dev/flowspec/engine/store"
)

func workflowCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Author, validate and publish workflows",
	}
	cmd.AddCommand(
		workflowCreateCmd(v),
		workflowUpdateCmd(v),
		workflowValidateCmd(v),
		workflowEditCmd(v),
		workflowPublishCmd(v),
		workflowBranchCmd(v),
		workflowDeleteCmd(v),
		workflowListCmd(v),
		workflowImpactCmd(v),
	)
	return cmd
}

func workflowCreateCmd(v *viper.Viper) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft workflow from a definition file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			w, err := loadWorkflow(file)
			if err != nil {
				return err
			}
			created, err := a.lifecycle.CreateDraft(cmd.Context(), w)
			if err != nil {
				return err
			}
			return printJSON(created)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func workflowUpdateCmd(v *viper.Viper) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Replace a draft workflow's definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			w, err := loadWorkflow(file)
			if err != nil {
				return err
			}
			updated, err := a.lifecycle.UpdateDraft(cmd.Context(), w)
			if err != nil {
				return err
			}
			return printJSON(updated)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func workflowValidateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow-id>",
		Short: "Validate a draft, moving it to VALIDATED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			w, err := a.lifecycle.Validate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(w)
		},
	}
}

func workflowEditCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <workflow-id>",
		Short: "Reopen a validated workflow for editing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			w, err := a.lifecycle.Edit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(w)
		},
	}
}

func workflowPublishCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <workflow-id>",
		Short: "Publish a validated workflow, freezing a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			ver, err := a.lifecycle.Publish(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(ver)
		},
	}
}

func workflowBranchCmd(v *viper.Viper) *cobra.Command {
	var from int
	cmd := &cobra.Command{
		Use:   "branch <workflow-id>",
		Short: "Branch a new draft from a published version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			w, err := a.lifecycle.BranchFromVersion(cmd.Context(), args[0], from)
			if err != nil {
				return err
			}
			return printJSON(w)
		},
	}
	cmd.Flags().IntVar(&from, "from", 0, "source version number")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func workflowDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <workflow-id>",
		Short: "Delete an unpublished workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			if err := a.lifecycle.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}

func workflowListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tenant's workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			var out []*spec.Workflow
			err = a.store.View(cmd.Context(), func(tx store.Tx) error {
				out, err = tx.Workflows().List(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func workflowImpactCmd(v *viper.Viper) *cobra.Command {
	var (
		file   string
		budget time.Duration
	)
	cmd := &cobra.Command{
		Use:   "impact",
		Short: "Analyze the impact of a draft on active flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			w, err := loadWorkflow(file)
			if err != nil {
				return err
			}
			report, err := a.lifecycle.AnalyzeImpact(cmd.Context(), w, budget)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "draft definition (YAML or JSON)")
	cmd.Flags().DurationVar(&budget, "budget", 2*time.Second, "analysis time budget")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// loadWorkflow reads a workflow definition from a YAML or JSON file. YAML is
// decoded generically and round-tripped through JSON so the aggregate's JSON
// tags apply to both formats.
func loadWorkflow(path string) (*spec.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse workflow file: %w", err)
	}
	raw, err := json.Marshal(normalizeYAML(generic))
	if err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	var w spec.Workflow
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &w, nil
}

// normalizeYAML rewrites map[any]any trees produced by older YAML inputs into
// the string-keyed maps encoding/json requires.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}
