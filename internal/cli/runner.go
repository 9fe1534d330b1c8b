package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"promptwatch/internal/api"
	"promptwatch/internal/dashclient"
)

// Runner implements the pwctl command surface over the daemon HTTP API.
type Runner struct {
	client    *dashclient.Client
	out       io.Writer
	errOut    io.Writer
	tokenPath string
}

func NewRunner(baseURL string, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		client:    dashclient.New(baseURL),
		out:       out,
		errOut:    errOut,
		tokenPath: defaultTokenPath(),
	}
}

func defaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".promptwatch", "token")
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	baseURL, tokenPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if baseURL != "" {
		r.client = dashclient.New(baseURL)
	}
	if tokenPath != "" {
		r.tokenPath = tokenPath
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "login":
		return r.runLogin(ctx, rest[1:])
	case "logout":
		return r.runLogout(ctx)
	case "feed":
		return r.runFeed(ctx, rest[1:])
	case "tail":
		return r.runTail(ctx)
	case "requests":
		return r.runRequests(ctx, rest[1:])
	case "keys":
		return r.runKeys(ctx, rest[1:])
	case "detect":
		return r.runDetect(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (baseURL, tokenPath string, rest []string, err error) {
	rest = args
	for len(rest) > 0 {
		switch {
		case rest[0] == "--server" || rest[0] == "-server":
			if len(rest) < 2 {
				return "", "", nil, errors.New("--server requires a value")
			}
			baseURL = rest[1]
			rest = rest[2:]
		case strings.HasPrefix(rest[0], "--server="):
			baseURL = strings.TrimPrefix(rest[0], "--server=")
			rest = rest[1:]
		case rest[0] == "--token-file" || rest[0] == "-token-file":
			if len(rest) < 2 {
				return "", "", nil, errors.New("--token-file requires a value")
			}
			tokenPath = rest[1]
			rest = rest[2:]
		case strings.HasPrefix(rest[0], "--token-file="):
			tokenPath = strings.TrimPrefix(rest[0], "--token-file=")
			rest = rest[1:]
		default:
			return baseURL, tokenPath, rest, nil
		}
	}
	return baseURL, tokenPath, rest, nil
}

func (r *Runner) runLogin(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if *email == "" || *password == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: pwctl login --email <email> --password <password>")
		return 2
	}
	token, err := r.client.Login(ctx, *email, *password)
	if err != nil {
		return r.handleErr(err)
	}
	if err := r.saveToken(token); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "warning: token not saved: %v\n", err)
		_, _ = fmt.Fprintln(r.out, token)
		return 0
	}
	_, _ = fmt.Fprintln(r.out, "logged in")
	return 0
}

func (r *Runner) runLogout(ctx context.Context) int {
	if err := r.authed().Logout(ctx); err != nil {
		return r.handleErr(err)
	}
	if r.tokenPath != "" {
		_ = os.Remove(r.tokenPath)
	}
	_, _ = fmt.Fprintln(r.out, "logged out")
	return 0
}

func (r *Runner) runFeed(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("feed", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	snapshot, err := r.authed().Feed(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(snapshot)
	}
	r.printSnapshot(snapshot)
	return 0
}

func (r *Runner) runTail(ctx context.Context) int {
	err := r.authed().TailFeed(ctx, func(snapshot api.FeedSnapshot) error {
		r.printSnapshot(snapshot)
		_, _ = fmt.Fprintln(r.out)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) runRequests(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("requests", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	isThreat := fs.String("threat", "", "filter by threat verdict (true|false)")
	category := fs.String("category", "", "filter by attack category")
	keyID := fs.String("key", "", "filter by API key id")
	limit := fs.Int("limit", 0, "page size")
	offset := fs.Int("offset", 0, "page offset")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	env, err := r.authed().Requests(ctx, dashclient.RequestsOptions{
		IsThreat:       *isThreat,
		AttackCategory: *category,
		APIKeyID:       *keyID,
		Limit:          *limit,
		Offset:         *offset,
	})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	for _, item := range env.Requests {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%.1f\t%s\n",
			item.CreatedAt,
			item.ID,
			verdictLabel(item.IsThreat),
			item.Confidence,
			categoryLabel(item.AttackCategory))
	}
	_, _ = fmt.Fprintf(r.out, "total: %d\n", env.Total)
	return 0
}

func (r *Runner) runKeys(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: pwctl keys <list|create|revoke>")
		return 2
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("keys list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		env, err := r.authed().ListKeys(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(env)
		}
		for _, key := range env.Keys {
			state := "active"
			if key.RevokedAt != nil {
				state = "revoked"
			}
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", key.KeyID, key.Name, key.Prefix, state)
		}
		return 0
	case "create":
		fs := flag.NewFlagSet("keys create", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		name := fs.String("name", "", "key name")
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		if *name == "" && fs.NArg() > 0 {
			*name = fs.Arg(0)
		}
		if strings.TrimSpace(*name) == "" {
			_, _ = fmt.Fprintln(r.errOut, "usage: pwctl keys create --name <name>")
			return 2
		}
		key, err := r.authed().CreateKey(ctx, *name)
		if err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\n", key.KeyID, key.Name)
		// Secret is shown once; it is not retrievable later.
		_, _ = fmt.Fprintf(r.out, "secret: %s\n", key.Secret)
		return 0
	case "revoke":
		args = args[1:]
		if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
			_, _ = fmt.Fprintln(r.errOut, "usage: pwctl keys revoke <key-id>")
			return 2
		}
		if err := r.authed().RevokeKey(ctx, args[0]); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintln(r.out, "revoked")
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown keys command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runDetect(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	apiKey := fs.String("key", "", "API key secret")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	prompt := strings.Join(fs.Args(), " ")
	if *apiKey == "" || strings.TrimSpace(prompt) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: pwctl detect --key <secret> <prompt>")
		return 2
	}
	result, err := r.authed().Detect(ctx, *apiKey, prompt)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(result)
	}
	_, _ = fmt.Fprintf(r.out, "%s\t%.1f\t%s\n", verdictLabel(result.IsThreat), result.Confidence, categoryLabel(result.AttackCategory))
	return 0
}

func (r *Runner) printSnapshot(snapshot api.FeedSnapshot) {
	_, _ = fmt.Fprintf(r.out, "connection: %s\n", snapshot.ConnectionState)
	for _, ev := range snapshot.Events {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%.1f\t%s\n",
			ev.CreatedAt,
			ev.ID,
			verdictLabel(ev.IsThreat),
			ev.Confidence,
			categoryLabel(ev.AttackCategory))
	}
}

func (r *Runner) printJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) authed() *dashclient.Client {
	token := os.Getenv("PROMPTWATCH_TOKEN")
	if token == "" && r.tokenPath != "" {
		if raw, err := os.ReadFile(r.tokenPath); err == nil {
			token = strings.TrimSpace(string(raw))
		}
	}
	if token == "" {
		return r.client
	}
	return r.client.WithToken(token)
}

func (r *Runner) saveToken(token string) error {
	if r.tokenPath == "" {
		return errors.New("no token path")
	}
	if err := os.MkdirAll(filepath.Dir(r.tokenPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(r.tokenPath, []byte(token+"\n"), 0o600)
}

func (r *Runner) handleErr(err error) int {
	var reqErr *dashclient.RequestError
	if errors.As(err, &reqErr) {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", reqErr)
		if reqErr.StatusCode == 401 {
			_, _ = fmt.Fprintln(r.errOut, "run `pwctl login` first")
		}
		return 1
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func verdictLabel(isThreat bool) string {
	if isThreat {
		return "threat"
	}
	return "clean"
}

func categoryLabel(category *string) string {
	if category == nil || *category == "" {
		return "-"
	}
	return *category
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, `usage: pwctl [--server <url>] [--token-file <path>] <command>

commands:
  login     --email <email> --password <password>
  logout
  feed      [-json]          print the current feed snapshot
  tail                       stream feed snapshots until interrupted
  requests  [filters]        page through the request log
  keys      list|create|revoke
  detect    --key <secret> <prompt>`)
}
