package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hydrodiag/hydrodiag-ai/internal/artifact"
	"github.com/hydrodiag/hydrodiag-ai/internal/knowledge"
	"github.com/hydrodiag/hydrodiag-ai/internal/memory/scenarios"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/belief"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/engine"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/hypothesis"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/machine"
	"github.com/hydrodiag/hydrodiag-ai/internal/sessionstore"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

type chatOptions struct {
	server    string
	sessionID string
	offline   bool
	kbDir     string
	uploadDir string
	messages  []string
}

func newChatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run a diagnostic conversation",
		Long: "Reads one message per line from stdin, or sends each -m message in order.\n" +
			"\"/upload <file>\" uploads a schematic and sends it with an empty message.\n" +
			"\"reset\" starts over, \"quit\" exits.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.server, "server", defaultServer, "hydrodiag-ai server URL")
	f.StringVar(&opts.sessionID, "session", "", "session id to continue (default: new session)")
	f.BoolVar(&opts.offline, "offline", false, "run the engine in-process instead of calling a server")
	f.StringVar(&opts.kbDir, "kb-dir", "", "knowledge base directory for --offline (default: embedded)")
	f.StringVar(&opts.uploadDir, "upload-dir", "uploads", "artifact directory for --offline")
	f.StringArrayVarP(&opts.messages, "message", "m", nil, "message to send; repeat for several turns")
	return cmd
}

func runChat(cmd *cobra.Command, opts chatOptions) error {
	var conv conversation
	if opts.offline {
		local, err := newLocalConversation(opts.kbDir, opts.uploadDir)
		if err != nil {
			return err
		}
		conv = local
	} else {
		conv = newRemoteClient(opts.server)
	}

	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	sessionID := opts.sessionID

	send := func(line string) error {
		text, artifactID := line, ""
		if path, ok := strings.CutPrefix(line, "/upload "); ok {
			up, err := conv.Upload(ctx, strings.TrimSpace(path))
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}
			fmt.Fprintf(out, "uploaded %s (%s)\n", up.ArtifactID, up.MediaType)
			text, artifactID = "", up.ArtifactID
		}
		res, err := conv.Turn(ctx, sessionID, text, artifactID)
		if err != nil {
			return err
		}
		if sessionID == "" {
			sessionID = res.SessionID
			fmt.Fprintf(out, "session %s\n", sessionID)
		}
		printResult(out, res)
		return nil
	}

	if len(opts.messages) > 0 {
		for _, m := range opts.messages {
			if err := send(m); err != nil {
				return err
			}
		}
		return nil
	}

	return chatLoop(cmd.InOrStdin(), out, send)
}

// chatLoop feeds stdin lines to send until EOF or "quit".
func chatLoop(in io.Reader, out io.Writer, send func(string) error) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
		case "quit", "exit":
			return nil
		default:
			if err := send(line); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

// newLocalConversation wires an in-process engine with the offline
// generator and no artifact analysis.
func newLocalConversation(kbDir, uploadDir string) (*localConversation, error) {
	var (
		kb  *knowledge.Base
		err error
	)
	if kbDir != "" {
		kb, err = knowledge.LoadDir(kbDir)
	} else {
		kb, err = knowledge.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("load knowledge base: %w", err)
	}
	library, err := scenarios.Default()
	if err != nil {
		return nil, err
	}
	store, err := artifact.NewStore(uploadDir, artifact.DefaultMaxBytes)
	if err != nil {
		return nil, err
	}

	m := machine.New(kb, belief.NewEngine(kb, belief.DefaultParams()), machine.DefaultConfig(), nil)
	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{
		Machine:   m,
		Sessions:  sessionstore.NewMemoryStore(),
		Generator: hypothesis.NewBankGenerator(kb),
		Artifacts: store,
		Scenarios: library,
	})
	if err != nil {
		return nil, err
	}
	return &localConversation{engine: eng, artifacts: store}, nil
}

// printResult renders a turn result for a terminal.
func printResult(w io.Writer, res *types.Result) {
	switch res.Status {
	case types.StatusContinue:
		fmt.Fprintf(w, "? %s\n", res.NextQuestion)
		if res.Safety != "" {
			fmt.Fprintf(w, "  safety: %s\n", res.Safety)
		}

	case types.StatusNeedArtifact:
		fmt.Fprintf(w, "upload requested: %s\n", res.Request)
		if len(res.Accept) > 0 {
			fmt.Fprintf(w, "  accepted: %s\n", strings.Join(res.Accept, ", "))
		}
		for _, tip := range res.Tips {
			fmt.Fprintf(w, "  - %s\n", tip)
		}

	case types.StatusProposedFix:
		fmt.Fprintf(w, "proposed fix for %s (confidence %.2f)\n", res.Cause, res.Confidence)
		if res.RecommendedSolution != nil {
			fmt.Fprintf(w, "  %s\n", *res.RecommendedSolution)
		}
		for _, step := range res.DiagnosticSteps {
			fmt.Fprintf(w, "  - %s\n", step)
		}
		if res.Verify != "" {
			fmt.Fprintf(w, "? %s\n", res.Verify)
		}

	case types.StatusDiagnosis:
		d := res.Diagnosis
		if d == nil {
			fmt.Fprintln(w, "diagnosis: (empty)")
			return
		}
		cause := "unknown"
		if d.LikelyCause != nil {
			cause = *d.LikelyCause
		}
		fmt.Fprintf(w, "diagnosis: %s (confidence %.2f)\n", cause, d.Confidence)
		if d.RecommendedSolution != nil {
			fmt.Fprintf(w, "  solution: %s\n", *d.RecommendedSolution)
		}
		for _, step := range d.DiagnosticSteps {
			fmt.Fprintf(w, "  - %s\n", step)
		}
		for _, q := range d.ClarifyingQuestions {
			fmt.Fprintf(w, "? %s\n", q)
		}
		if len(d.FailureModeTags) > 0 {
			fmt.Fprintf(w, "  tags: %s\n", strings.Join(d.FailureModeTags, ", "))
		}

	case types.StatusReset:
		fmt.Fprintln(w, res.Message)

	case types.StatusError:
		fmt.Fprintf(w, "error: %s\n", res.Error)

	default:
		fmt.Fprintf(w, "%s: %s\n", res.Status, res.Message)
	}
}
