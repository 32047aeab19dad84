package main

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/iota-uz/regflow/modules/workflow/domain/policy"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Workflow rules file operations",
	}
	cmd.AddCommand(newRulesValidateCmd())
	return cmd
}

type rulesSummary struct {
	File        string   `json:"file"`
	EntityTypes []string `json:"entity_types"`
	WorkTypes   []string `json:"sla_work_types"`
	Timezone    string   `json:"timezone,omitempty"`
}

func newRulesValidateCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a workflow rules file",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := policy.LoadFile(file)
			if err != nil {
				return err
			}
			out := rulesSummary{
				File:        file,
				EntityTypes: []string{},
				WorkTypes:   []string{},
				Timezone:    rules.Calendar.Timezone,
			}
			for _, e := range rules.EntityTypes {
				out.EntityTypes = append(out.EntityTypes, e.Name)
			}
			for _, s := range rules.SLAs {
				out.WorkTypes = append(out.WorkTypes, s.WorkType)
			}
			sort.Strings(out.EntityTypes)
			sort.Strings(out.WorkTypes)
			return writeJSON(cmd.OutOrStdout(), commandOutput{
				Command: "rules validate",
				Result:  out,
			})
		},
	}

	cmd.Flags().StringVar(&file, "file", "config/workflow_rules.yaml", "Rules file to validate")
	return cmd
}
