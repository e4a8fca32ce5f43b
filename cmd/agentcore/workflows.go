package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agentcore/internal/domain"
	"agentcore/internal/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Work with workflow templates",
}

var workflowsValidateCmd = &cobra.Command{
	Use:   "validate <file-or-dir>...",
	Short: "Check workflow templates for structural and reference errors",
	Long: `Parse each YAML template and check that step ids are unique, every
dependency exists, the dependency graph is acyclic and every step reference
names a step the referencing step depends on.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWorkflowsValidate,
}

func init() {
	workflowsCmd.AddCommand(workflowsValidateCmd)
}

func runWorkflowsValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		wfs, err := loadTemplates(path)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			failed++
		}
		for _, wf := range wfs {
			if err := validateWorkflow(wf); err != nil {
				fmt.Fprintf(out, "FAIL %s (%s): %v\n", wf.ID, path, err)
				failed++
				continue
			}
			fmt.Fprintf(out, "ok   %s v%s (%d steps)\n", wf.ID, wf.Version, len(wf.Steps))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d workflow template(s) invalid", failed)
	}
	return nil
}

func loadTemplates(path string) ([]domain.Workflow, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return workflow.LoadDir(path)
	}
	wf, err := workflow.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []domain.Workflow{wf}, nil
}

func validateWorkflow(wf domain.Workflow) error {
	g, err := workflow.BuildGraph(wf)
	if err != nil {
		return err
	}
	return workflow.ValidateRefs(g)
}
