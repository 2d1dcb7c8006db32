package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/idflow"
)

type verifyOutput struct {
	Kind          string `json:"kind"`
	SubjectID     *int64 `json:"subjectId"`
	Outcome       string `json:"outcome"`
	IsValid       bool   `json:"isValid"`
	ResolvedName  string `json:"resolvedName,omitempty"`
	ElapsedMillis int64  `json:"elapsedMs"`
	Cause         string `json:"cause,omitempty"`
}

func newVerifyCmd(root *rootOptions) *cobra.Command {
	var (
		kindName  string
		subjectID int64
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check whether an identity exists",
		Long: `Publish one identity check and print the answer as JSON.

Exit codes: 0 the identity exists, 3 it does not, 2 no answer arrived in
time or the wait was interrupted (treat as unverifiable), 1 any other error. Omit --id to send a null
subject, which is never valid.

Example:
  idflow verify --kind user --id 42 --timeout 2s`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := idflow.ParseKind(kindName)
			if err != nil {
				return err
			}
			var subject *int64
			if cmd.Flags().Changed("id") {
				subject = idflow.Subject(subjectID)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runVerify(ctx, cmd, root, kind, subject)
		},
	}
	cmd.Flags().StringVar(&kindName, "kind", "", "identity kind (user, player, creator)")
	cmd.Flags().Int64Var(&subjectID, "id", 0, "subject id")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func runVerify(ctx context.Context, cmd *cobra.Command, root *rootOptions, kind idflow.Kind, subject *int64) error {
	conf, err := root.loadConfig()
	if err != nil {
		return err
	}
	logger, err := root.newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	svc, err := idflow.TryNewService(ctx, conf, logger, idflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	// A cancelled wait still prints its outcome and exits as unverifiable.
	res, err := svc.Verify(ctx, kind, subject)
	if err != nil && res.Outcome != idflow.OutcomeCanceled {
		return err
	}

	out := verifyOutput{
		Kind:          kind.String(),
		SubjectID:     subject,
		Outcome:       res.Outcome.String(),
		IsValid:       res.Verified(),
		ResolvedName:  res.Response.ResolvedName,
		ElapsedMillis: res.Elapsed.Milliseconds(),
	}
	switch {
	case res.Cause != nil:
		out.Cause = res.Cause.Error()
	case err != nil:
		out.Cause = err.Error()
	}
	body, err := idflow.Marshal(out)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(body))

	switch {
	case res.Unverifiable():
		return &exitError{code: exitUnverifiable, msg: fmt.Sprintf("%s %s: unverifiable (%s)", kind, formatSubject(subject), res.Outcome)}
	case !res.Verified():
		return &exitError{code: exitNotFound, msg: fmt.Sprintf("%s %s: not found", kind, formatSubject(subject))}
	}
	return nil
}

func formatSubject(subject *int64) string {
	if subject == nil {
		return "null"
	}
	return fmt.Sprint(*subject)
}
