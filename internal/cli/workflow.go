package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewWorkflowCmd создаёт группу команд для управления workflows.
func NewWorkflowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflows",
	}

	cmd.AddCommand(
		newWorkflowListCmd(clientFn, outputFn),
		newWorkflowCreateCmd(clientFn, outputFn),
		newWorkflowShowCmd(clientFn, outputFn),
		newWorkflowAddStepCmd(clientFn, outputFn),
		newWorkflowActivateCmd(clientFn, outputFn),
		newWorkflowDeprecateCmd(clientFn, outputFn),
	)

	return cmd
}

func newWorkflowListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			workflows, err := clientFn().ListWorkflows(ListWorkflowsOpts{Status: status, Limit: limit})
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "VERSION", "STATUS", "CREATED"}
			rows := make([][]string, len(workflows))
			for i, wf := range workflows {
				rows[i] = []string{wf.ID, wf.Name, strconv.Itoa(wf.Version), wf.Status, wf.CreatedAt}
			}

			outputFn().Print(headers, rows, workflows)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (draft, active, deprecated, archived)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newWorkflowCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new draft workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := clientFn().CreateWorkflow(CreateWorkflowRequest{Name: args[0]})
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Workflow created: %s (v%d)", wf.ID, wf.Version))
			out.JSON(wf)
			return nil
		},
	}

	return cmd
}

func newWorkflowShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show WORKFLOW_ID",
		Short: "Show a workflow with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := clientFn().GetWorkflow(args[0])
			if err != nil {
				return err
			}
			outputFn().JSON(wf)
			return nil
		},
	}

	return cmd
}

func newWorkflowAddStepCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name string
	var taskType string
	var order int
	var configJSON string
	var timeout int
	var maxRetries int

	cmd := &cobra.Command{
		Use:   "add-step WORKFLOW_ID",
		Short: "Add a step to a draft workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := AddStepRequest{
				Name:           name,
				TaskType:       taskType,
				StepOrder:      order,
				TimeoutSeconds: timeout,
				MaxRetries:     maxRetries,
			}

			if configJSON != "" {
				if err := json.Unmarshal([]byte(configJSON), &req.Config); err != nil {
					return fmt.Errorf("invalid --config JSON: %w", err)
				}
			}

			step, err := clientFn().AddStep(args[0], req)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Step %d added: %s", step.StepOrder, step.TaskType))
			out.JSON(step)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Step name")
	cmd.Flags().StringVar(&taskType, "type", "", "Task type (http_request, data_transform, delay, conditional, log)")
	cmd.Flags().IntVar(&order, "order", 0, "Step order (0-based)")
	cmd.Flags().StringVar(&configJSON, "config", "", "Handler configuration as JSON")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Step timeout in seconds")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Step retry budget")
	cmd.MarkFlagRequired("type")

	return cmd
}

func newWorkflowActivateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate WORKFLOW_ID",
		Short: "Activate a draft workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := clientFn().ActivateWorkflow(args[0])
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Workflow activated: %s", wf.ID))
			return nil
		},
	}

	return cmd
}

func newWorkflowDeprecateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deprecate WORKFLOW_ID",
		Short: "Deprecate an active workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := clientFn().DeprecateWorkflow(args[0])
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Workflow deprecated: %s", wf.ID))
			return nil
		},
	}

	return cmd
}
