// Command authctl is the operator CLI for the authgate gateway.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc/status"

	"github.com/and161185/authgate/internal/config"
	pkgcrypto "github.com/and161185/authgate/internal/crypto"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const usageText = `authctl CLI
Usage:
  authctl [-server URL] <cmd> [args]

Commands:
  version
  keygen   [-bits 2048] [-out ./secrets]          (writes private.pem, public.pem)
  hash     [-cost 12] [-p password]              (reads stdin without -p)
  login    -u <email> [-p <password>]            (saves tokens)
  whoami
  refresh
  logout
  health   [-grpc HOST:PORT] [-tls] [-cacert file]
`

type cli struct {
	server string
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

var errUsage = errors.New("usage")

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	default:
		fail(err)
	}
}

// run dispatches subcommands.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("authctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", envOr("AUTHGATE_SERVER", "http://localhost:8000"), "gateway base URL")
	fs.Usage = func() { fmt.Fprint(stderr, usageText) }
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() < 1 {
		return errUsage
	}
	c := &cli{server: *server, stdin: stdin, stdout: stdout, stderr: stderr}
	rest := fs.Args()[1:]

	switch fs.Arg(0) {
	case "version":
		fmt.Fprintf(stdout, "authctl %s (%s)\n", version, buildDate)
		return nil
	case "keygen":
		return c.keygen(rest)
	case "hash":
		return c.hash(ctx, rest)
	case "login":
		return c.login(ctx, rest)
	case "whoami":
		return c.whoami(ctx)
	case "refresh":
		return c.refresh(ctx)
	case "logout":
		return c.logout(ctx)
	case "health":
		return c.health(ctx, rest)
	default:
		return errUsage
	}
}

func (c *cli) keygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	bits := fs.Int("bits", config.MinKeyBits, "RSA modulus size")
	out := fs.String("out", "./secrets", "output directory")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	priv, pub, err := config.GenerateKeyPair(*bits)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*out, 0o700); err != nil {
		return err
	}
	privPath := filepath.Join(*out, "private.pem")
	pubPath := filepath.Join(*out, "public.pem")
	if _, err := os.Stat(privPath); err == nil {
		return fmt.Errorf("%s already exists", privPath)
	}
	if err := os.WriteFile(privPath, priv, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, privPath)
	fmt.Fprintln(c.stdout, pubPath)
	return nil
}

func (c *cli) hash(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	cost := fs.Int("cost", pkgcrypto.DefaultCost, "bcrypt cost")
	p := fs.String("p", "", "password (stdin when empty)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	pw := *p
	if pw == "" {
		var err error
		if pw, err = readLine(c.stdin); err != nil {
			return err
		}
	}

	pm, err := pkgcrypto.NewPasswordManager(pkgcrypto.Options{Cost: *cost})
	if err != nil {
		return err
	}
	h, err := pm.Hash(ctx, pw)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, h)
	return nil
}

func (c *cli) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	u := fs.String("u", "", "email")
	p := fs.String("p", "", "password (stdin when empty)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *u == "" {
		return fmt.Errorf("need -u")
	}
	pw := *p
	if pw == "" {
		var err error
		if pw, err = readLine(c.stdin); err != nil {
			return err
		}
	}

	tr, err := newGateway(c.server, nil).login(ctx, *u, pw)
	if err != nil {
		return err
	}
	if err := c.store(tr); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "ok")
	return nil
}

func (c *cli) store(tr tokenResponse) error {
	return saveToken(tokenFile{
		Server:       c.server,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    expiryOf(tr.AccessToken, time.Duration(tr.ExpiresIn)*time.Second),
	})
}

// session loads the stored tokens, refreshing an expired access token when possible.
func (c *cli) session(ctx context.Context) (tokenFile, error) {
	tf, err := loadToken()
	if err != nil {
		return tf, err
	}
	if tf.Server != "" {
		c.server = tf.Server
	}
	if time.Now().Before(tf.ExpiresAt) {
		return tf, nil
	}
	tr, err := newGateway(c.server, nil).refresh(ctx, tf.RefreshToken)
	if err != nil {
		return tf, fmt.Errorf("%w: %v", errLoginRequired, err)
	}
	if err := c.store(tr); err != nil {
		return tf, err
	}
	return loadToken()
}

func (c *cli) whoami(ctx context.Context) error {
	tf, err := c.session(ctx)
	if err != nil {
		return err
	}
	p, err := newGateway(c.server, nil).profile(ctx, tf.AccessToken)
	if err != nil {
		return err
	}
	printJSON(c.stdout, struct {
		profile
		ExpiresAt time.Time `json:"expires_at"`
	}{p, tf.ExpiresAt})
	return nil
}

func (c *cli) refresh(ctx context.Context) error {
	tf, err := loadToken()
	if err != nil {
		return err
	}
	if tf.RefreshToken == "" {
		return errLoginRequired
	}
	if tf.Server != "" {
		c.server = tf.Server
	}
	tr, err := newGateway(c.server, nil).refresh(ctx, tf.RefreshToken)
	if err != nil {
		return err
	}
	if err := c.store(tr); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "ok")
	return nil
}

func (c *cli) logout(ctx context.Context) error {
	tf, err := loadToken()
	if errors.Is(err, errLoginRequired) {
		return removeToken()
	}
	if err != nil {
		return err
	}
	if tf.Server != "" {
		c.server = tf.Server
	}
	if time.Now().Before(tf.ExpiresAt) {
		if err := newGateway(c.server, nil).logout(ctx, tf.AccessToken, tf.RefreshToken); err != nil {
			return err
		}
	}
	if err := removeToken(); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "ok")
	return nil
}

func (c *cli) health(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	addr := fs.String("grpc", "localhost:9090", "gRPC address")
	service := fs.String("service", "", "health service name")
	useTLS := fs.Bool("tls", false, "use TLS")
	caPath := fs.String("cacert", "", "CA cert (PEM)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	var bearer string
	if tf, err := loadToken(); err == nil && time.Now().Before(tf.ExpiresAt) {
		bearer = tf.AccessToken
	}
	st, err := checkHealth(ctx, *addr, *service, *caPath, *useTLS, bearer)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, st.String())
	return nil
}

// ---- utils ----

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
