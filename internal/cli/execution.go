package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewExecutionCmd создаёт группу команд для управления executions.
func NewExecutionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execution",
		Short: "Manage executions",
	}

	cmd.AddCommand(
		newExecutionListCmd(clientFn, outputFn),
		newExecutionTriggerCmd(clientFn, outputFn),
		newExecutionShowCmd(clientFn, outputFn),
		newExecutionCancelCmd(clientFn, outputFn),
		newExecutionRetryCmd(clientFn, outputFn),
		newExecutionStepsCmd(clientFn, outputFn),
		newExecutionLogsCmd(clientFn, outputFn),
	)

	return cmd
}

func newExecutionListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var workflowID string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			executions, err := clientFn().ListExecutions(ListExecutionsOpts{
				WorkflowID: workflowID,
				Status:     status,
				Limit:      limit,
			})
			if err != nil {
				return err
			}

			headers := []string{"ID", "WORKFLOW_ID", "STATUS", "STEP", "RETRIES", "CREATED"}
			rows := make([][]string, len(executions))
			for i, e := range executions {
				rows[i] = []string{
					e.ID,
					e.WorkflowID,
					e.Status,
					strconv.Itoa(e.CurrentStepOrder),
					fmt.Sprintf("%d/%d", e.RetryCount, e.MaxRetries),
					e.CreatedAt,
				}
			}

			outputFn().Print(headers, rows, executions)
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowID, "workflow-id", "", "Filter by workflow ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, retrying, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newExecutionTriggerCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var key string
	var inputJSON string
	var maxRetries int

	cmd := &cobra.Command{
		Use:   "trigger WORKFLOW_ID",
		Short: "Trigger a workflow execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := TriggerRequest{IdempotencyKey: key}

			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &req.InputData); err != nil {
					return fmt.Errorf("invalid --input JSON: %w", err)
				}
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}

			exec, err := clientFn().Trigger(args[0], req)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Execution: %s (%s)", exec.ID, exec.Status))
			out.JSON(exec)
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Idempotency key")
	cmd.Flags().StringVar(&inputJSON, "input", "", "Input data as JSON")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Execution retry budget")
	cmd.MarkFlagRequired("key")

	return cmd
}

func newExecutionShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show EXECUTION_ID",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := clientFn().GetExecution(args[0])
			if err != nil {
				return err
			}
			outputFn().JSON(exec)
			return nil
		},
	}

	return cmd
}

func newExecutionCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel EXECUTION_ID",
		Short: "Cancel an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := clientFn().CancelExecution(args[0])
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Execution cancelled: %s", exec.ID))
			return nil
		},
	}

	return cmd
}

func newExecutionRetryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry EXECUTION_ID",
		Short: "Retry a failed execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := clientFn().RetryExecution(args[0])
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Execution retrying: %s (%d/%d)", exec.ID, exec.RetryCount, exec.MaxRetries))
			return nil
		},
	}

	return cmd
}

func newExecutionStepsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps EXECUTION_ID",
		Short: "List step attempts of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := clientFn().ListStepExecutions(args[0])
			if err != nil {
				return err
			}

			headers := []string{"STEP", "ATTEMPT", "STATUS", "ERROR"}
			rows := make([][]string, len(steps))
			for i, s := range steps {
				rows[i] = []string{
					strconv.Itoa(s.StepOrder),
					strconv.Itoa(s.AttemptNumber),
					s.Status,
					s.ErrorMessage,
				}
			}

			outputFn().Print(headers, rows, steps)
			return nil
		},
	}

	return cmd
}

func newExecutionLogsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:   "logs EXECUTION_ID",
		Short: "Show the execution audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := clientFn().ListLogs(args[0], level)
			if err != nil {
				return err
			}

			headers := []string{"TIMESTAMP", "LEVEL", "MESSAGE"}
			rows := make([][]string, len(logs))
			for i, l := range logs {
				rows[i] = []string{l.Timestamp, l.Level, l.Message}
			}

			outputFn().Print(headers, rows, logs)
			return nil
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "Filter by level (debug, info, warning, error)")

	return cmd
}
