// Command sqlchat is a CLI client for the SQL chat authentication gateway.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
)

// ---- token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "sqlchat")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "sqlchat")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", errors.New("no saved token (login required)")
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

func removeToken() error {
	err := os.Remove(tokenPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// tokenClaims mirrors the gateway's token payload.
type tokenClaims struct {
	Type  string `json:"type"`
	Class string `json:"cls"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// peekClaims decodes the token payload without verifying it. Display only.
func peekClaims(tok string) (*tokenClaims, error) {
	var c tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ---- transport ----

func loadTLS(caPath string, insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // explicit dev flag
	}
	if caPath == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

// messageFrom joins positional args; a single "-" reads the message from stdin.
func messageFrom(args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		b, err := readAll("-")
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	msg := strings.TrimSpace(strings.Join(args, " "))
	if msg == "" {
		return "", errors.New("empty message")
	}
	return msg, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

func usage() {
	fmt.Fprintf(os.Stderr, `sqlchat CLI
Usage:
  sqlchat -url URL [-cacert file | -insecure] <cmd> [args]

Commands:
  version
  login    -e <email or username> -p <password> [-admin]   (saves token)
  logout
  status                                                   (local token info)
  whoami
  ask      [-c <conversation>] <message...|->              (streamed answer)
  poll     [-c <conversation>] <message...|->              (single answer)
  health
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against the gateway's HTTP API.
func main() {
	// global flags
	base := flag.String("url", envOr("SQLCHAT_URL", "http://localhost:8001"), "gateway base URL")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	insecure := flag.Bool("insecure", false, "skip cert verify (dev)")
	timeout := flag.Duration("timeout", 0, "overall request timeout (0 = none for ask)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	tlsCfg, err := loadTLS(*caPath, *insecure)
	if err != nil {
		fail(err)
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	authed := func() *client {
		tok, err := loadToken()
		if err != nil {
			fail(err)
		}
		return newClient(*base, tok, tlsCfg)
	}

	switch cmd {

	case "version":
		fmt.Printf("sqlchat %s (%s)\n", version, buildDate)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		e := fs.String("e", "", "email (admins) or username (users)")
		p := fs.String("p", "", "password")
		admin := fs.Bool("admin", false, "sign in as administrator")
		_ = fs.Parse(args)
		if *e == "" || *p == "" {
			fmt.Fprintln(os.Stderr, "need -e and -p")
			os.Exit(1)
		}
		class := "user"
		if *admin {
			class = "admin"
		}

		resp, err := newClient(*base, "", tlsCfg).login(ctx, *e, *p, class)
		if err != nil {
			fail(err)
		}
		exp := resp.ExpiresAt
		if exp.IsZero() {
			exp = time.Now().Add(time.Hour)
			if c, err := peekClaims(resp.AccessToken); err == nil && c.ExpiresAt != nil {
				exp = c.ExpiresAt.Time
			}
		}
		if err := saveToken(resp.AccessToken, exp); err != nil {
			fail(err)
		}
		okColor.Printf("signed in as %s (%s)\n", resp.User.Name, resp.User.Role)
		dimColor.Printf("permissions: %s, token valid until %s\n",
			strings.Join(resp.User.Permissions, ", "), exp.Local().Format(time.RFC3339))

	case "logout":
		if err := removeToken(); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "status":
		tok, err := loadToken()
		if err != nil {
			fail(err)
		}
		c, err := peekClaims(tok)
		if err != nil {
			fail(err)
		}
		printJSON(map[string]any{
			"subject":    c.Subject,
			"role":       c.Type,
			"class":      c.Class,
			"email":      c.Email,
			"expires_at": c.ExpiresAt.Time.UTC().Format(time.RFC3339),
		})

	case "whoami":
		out, err := authed().whoami(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(out)

	case "ask":
		fs := flag.NewFlagSet("ask", flag.ExitOnError)
		conv := fs.String("c", "", "conversation id (empty starts a new one)")
		_ = fs.Parse(args)
		msg, err := messageFrom(fs.Args())
		if err != nil {
			fail(err)
		}
		id, err := authed().ask(ctx, msg, *conv, os.Stdout)
		if id != "" {
			dimColor.Fprintf(os.Stderr, "conversation: %s\n", id)
		}
		if err != nil {
			fail(err)
		}

	case "poll":
		fs := flag.NewFlagSet("poll", flag.ExitOnError)
		conv := fs.String("c", "", "conversation id (empty starts a new one)")
		_ = fs.Parse(args)
		msg, err := messageFrom(fs.Args())
		if err != nil {
			fail(err)
		}
		body, id, err := authed().poll(ctx, msg, *conv)
		if err != nil {
			fail(err)
		}
		var v any
		if json.Unmarshal(body, &v) == nil {
			printJSON(v)
		} else {
			os.Stdout.Write(body)
		}
		dimColor.Fprintf(os.Stderr, "conversation: %s\n", id)

	case "health":
		h, err := newClient(*base, "", tlsCfg).health(ctx)
		if err != nil {
			fail(err)
		}
		paint := okColor
		if h.Upstream != "connected" {
			paint = warnColor
		}
		paint.Printf("gateway %s, upstream %s\n", h.Status, h.Upstream)

	default:
		usage()
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fail(err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		errColor.Fprintf(os.Stderr, "gateway error: status=%d msg=%s\n", ae.Status, ae.Message)
		os.Exit(1)
	}
	errColor.Fprintln(os.Stderr, err)
	os.Exit(1)
}
