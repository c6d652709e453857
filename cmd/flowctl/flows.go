package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"budgetflow/internal/core"
	"budgetflow/internal/services"

	"github.com/spf13/cobra"
)

// parseStep reads "TEXT" or "TEXT:STATUS". The suffix only counts as a
// status when it names one, so text may contain colons.
func parseStep(s string) services.StepInput {
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		if _, err := core.ParseStepStatus(s[i+1:]); err == nil && strings.TrimSpace(s[i+1:]) != "" {
			return services.StepInput{Text: s[:i], Status: strings.TrimSpace(s[i+1:])}
		}
	}
	return services.StepInput{Text: s}
}

// parseAttachment reads "INDEX=PATH" and loads the file.
func parseAttachment(s string) (int, services.Attachment, error) {
	idx, path, ok := strings.Cut(s, "=")
	if !ok {
		return 0, services.Attachment{}, fmt.Errorf("invalid attachment %q: expected INDEX=PATH", s)
	}
	index, err := strconv.Atoi(idx)
	if err != nil || index < 0 {
		return 0, services.Attachment{}, fmt.Errorf("invalid attachment index %q", idx)
	}
	att, err := readAttachment(path)
	return index, att, err
}

func readAttachment(path string) (services.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return services.Attachment{}, fmt.Errorf("reading attachment: %w", err)
	}
	return services.Attachment{FileName: filepath.Base(path), Data: data}, nil
}

func stepInputs(cmd *cobra.Command) ([]services.StepInput, error) {
	raw, _ := cmd.Flags().GetStringArray("step")
	attachments, _ := cmd.Flags().GetStringArray("attach")

	steps := make([]services.StepInput, len(raw))
	for i, s := range raw {
		steps[i] = parseStep(s)
	}
	for _, a := range attachments {
		index, att, err := parseAttachment(a)
		if err != nil {
			return nil, err
		}
		if index >= len(steps) {
			return nil, fmt.Errorf("attachment index %d: only %d steps given", index, len(steps))
		}
		steps[index].Attachment = &att
	}
	return steps, nil
}

func addStepFlags(cmd *cobra.Command) {
	cmd.Flags().StringArray("step", nil, "workflow step as TEXT or TEXT:STATUS (repeatable)")
	cmd.Flags().StringArray("attach", nil, "document for a step as INDEX=PATH (repeatable)")
}

var submitCmd = &cobra.Command{
	Use:     "submit",
	Short:   "Submit a new budget flow",
	GroupID: "flows",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		amount, _ := cmd.Flags().GetString("amount")
		flowType, _ := cmd.Flags().GetString("type")
		dataset, _ := cmd.Flags().GetString("dataset")

		steps, err := stepInputs(cmd)
		if err != nil {
			return err
		}
		svc, err := flowService(cmd.Context())
		if err != nil {
			return err
		}
		rec, err := svc.Submit(cmd.Context(), services.FlowInput{
			From:    from,
			To:      to,
			Amount:  amount,
			Type:    flowType,
			Dataset: dataset,
			Steps:   steps,
		})
		if err != nil {
			return err
		}
		printRecord(cmd.OutOrStdout(), rec)
		return nil
	},
}

var stepsCmd = &cobra.Command{
	Use:     "steps <id>",
	Short:   "Replace the workflow steps of a flow (writes a new version)",
	GroupID: "flows",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, err := stepInputs(cmd)
		if err != nil {
			return err
		}
		svc, err := flowService(cmd.Context())
		if err != nil {
			return err
		}
		rec, err := svc.UpdateSteps(cmd.Context(), args[0], steps)
		if err != nil {
			return err
		}
		printRecord(cmd.OutOrStdout(), rec)
		return nil
	},
}

var attachCmd = &cobra.Command{
	Use:     "attach <id> <step-index> <file>",
	Short:   "Attach a document to one step of a flow",
	GroupID: "flows",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid step index %q", args[1])
		}
		att, err := readAttachment(args[2])
		if err != nil {
			return err
		}
		svc, err := flowService(cmd.Context())
		if err != nil {
			return err
		}
		rec, err := svc.AttachDocument(cmd.Context(), args[0], index, att)
		if err != nil {
			return err
		}
		printRecord(cmd.OutOrStdout(), rec)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Short:   "List the stored records of a dataset in feed order",
	GroupID: "flows",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("dataset")
		ds, err := core.ParseDataset(name)
		if err != nil {
			return err
		}
		recs, err := repo.Snapshot(cmd.Context(), ds)
		if err != nil {
			return err
		}
		printRecords(cmd.OutOrStdout(), recs)
		return nil
	},
}

var versionsCmd = &cobra.Command{
	Use:     "versions <id>",
	Short:   "Show a record and the versions written from it",
	GroupID: "flows",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := repo.Lineage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return fmt.Errorf("record %s not found", args[0])
		}
		printRecords(cmd.OutOrStdout(), recs)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("from", "", "sending party (required)")
	submitCmd.Flags().String("to", "", "receiving party (required)")
	submitCmd.Flags().String("amount", "", "amount as a decimal number (required)")
	submitCmd.Flags().String("type", "planned", "planned or actual")
	submitCmd.Flags().String("dataset", "primary", "primary or secondary")
	addStepFlags(submitCmd)

	addStepFlags(stepsCmd)

	listCmd.Flags().String("dataset", "primary", "primary or secondary")
}
