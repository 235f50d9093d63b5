// Command winrm-send posts a SOAP message to a WinRM listener and prints the
// response.
//
// Usage:
//
//	winrm-send -host server -user admin -identify
//	winrm-send -host server.example.com -user admin@EXAMPLE.COM -file enumerate.xml
//	winrm-send -endpoint https://server:5986/wsman -user admin -options winrm.yaml -file - < request.xml
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/smnsjas/go-winrm/client"
	internallog "github.com/smnsjas/go-winrm/internal/log"
	"github.com/smnsjas/go-winrm/wsman"
	"github.com/smnsjas/go-winrm/wsman/auth"
)

func main() {
	endpoint := flag.String("endpoint", "", "WinRM endpoint URL (e.g. https://server:5986/wsman)")
	host := flag.String("host", "", "WinRM host; connection settings come from -options")
	user := flag.String("user", "", "Username: 'user' for Basic, 'user@REALM' for Kerberos")
	pass := flag.String("pass", "", "Password (or set WINRM_PASSWORD; prompted when empty)")
	optionsFile := flag.String("options", "", "YAML file of connection options (winrmTimeout, port, ...)")
	file := flag.String("file", "", "SOAP request file, '-' for stdin")
	action := flag.String("action", "", "WS-Addressing action, logged with the exchange")
	identify := flag.Bool("identify", false, "Send a WS-Management Identify request")
	mechanism := flag.String("mechanism", "", "Kerberos mechanism: krb5 or gssapi (default: platform)")
	gssProvider := flag.String("gssapi-provider", "", "go-gssapi provider name for -mechanism gssapi")
	krb5Conf := flag.String("krb5conf", "", "Path to krb5.conf (default: $KRB5_CONFIG or /etc/krb5.conf)")
	keytab := flag.String("keytab", "", "Keytab for Kerberos login")
	ccache := flag.String("ccache", "", "Credential cache for Kerberos login")
	retries := flag.Int("retries", 3, "Connect attempts after a network failure")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall deadline")
	logLevel := flag.String("loglevel", "warn", "Log level: debug, info, warn, error")
	logFile := flag.String("logfile", "", "Write logs to a rotating file instead of stderr")
	flag.Parse()

	if *endpoint == "" && *host == "" {
		fmt.Fprintln(os.Stderr, "Error: -endpoint or -host is required")
		flag.Usage()
		os.Exit(2)
	}
	if *user == "" {
		fmt.Fprintln(os.Stderr, "Error: -user is required")
		os.Exit(2)
	}
	if !*identify && *file == "" {
		fmt.Fprintln(os.Stderr, "Error: one of -identify or -file is required")
		os.Exit(2)
	}

	level, err := internallog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	var logOut io.Writer = os.Stderr
	if *logFile != "" {
		rf, err := internallog.OpenRotatingFile(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer rf.Close()
		logOut = rf
	}
	logger := internallog.New(logOut, level)

	password := *pass
	if password == "" {
		password = os.Getenv("WINRM_PASSWORD")
	}
	if password == "" && !(strings.Contains(*user, "@") && (auth.SupportsSSO() || *keytab != "" || *ccache != "")) {
		password = readPassword()
	}

	cfg, err := buildConfig(*endpoint, *host, *user, password, *optionsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	cfg.Krb5 = auth.Krb5Config{Krb5ConfPath: *krb5Conf, KeytabPath: *keytab, CCachePath: *ccache}
	switch *mechanism {
	case "":
	case "krb5":
		cfg.Mechanism = auth.NewKrb5Mechanism(cfg.Krb5)
	case "gssapi":
		m, err := auth.NewGSSAPIMechanismByName(*gssProvider)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		cfg.Mechanism = m
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown mechanism %q (valid: krb5, gssapi)\n", *mechanism)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	c, err := client.New(cfg, client.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	fmt.Fprintf(os.Stderr, "Connecting to %s...\n", c.Endpoint())
	if err := connect(ctx, c, *retries, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Connect failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := c.Disconnect(context.Background()); err != nil {
			logger.Warn("disconnect failed", "error", err)
		}
	}()

	if *identify {
		resp, err := c.Identify(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Identify failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("ProtocolVersion: %s\nProductVendor:   %s\nProductVersion:  %s\n",
			resp.ProtocolVersion, resp.ProductVendor, resp.ProductVersion)
		return
	}

	request, err := readRequest(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading request: %v\n", err)
		os.Exit(1)
	}
	response, err := c.SendRequestAction(ctx, request, *action)
	if err != nil {
		var te *client.TransportError
		if errors.As(err, &te) && te.Response != "" {
			fmt.Fprintln(os.Stderr, te.Response)
		}
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(format(response))
}

// buildConfig resolves the client configuration from an endpoint URL or from
// a host plus an options file.
func buildConfig(endpoint, host, user, password, optionsFile string) (client.Config, error) {
	opts, err := loadOptions(optionsFile)
	if err != nil {
		return client.Config{}, err
	}
	if endpoint == "" {
		return opts.Config(host, user, password)
	}

	target, err := client.ParseTarget(endpoint)
	if err != nil {
		return client.Config{}, err
	}
	if target.IsHTTPS() {
		opts[client.OptConnectionType] = client.ConnectionHTTPS
	}
	cfg, err := opts.Config(target.Host, user, password)
	if err != nil {
		return client.Config{}, err
	}
	cfg.Target = target
	return cfg, nil
}

// loadOptions reads a flat YAML mapping. Scalars of any type are accepted so
// "port: 5986" works unquoted.
func loadOptions(path string) (client.Options, error) {
	opts := client.Options{}
	if path == "" {
		return opts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse options %s: %w", path, err)
	}
	for k, v := range raw {
		if v == nil {
			continue
		}
		opts[k] = fmt.Sprint(v)
	}
	return opts, nil
}

// connect retries network failures of the Kerberos handshake with
// exponential backoff. Authentication failures are returned at once.
func connect(ctx context.Context, c *client.Client, retries int, logger *slog.Logger) error {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: true}
	for {
		err := c.Connect(ctx)
		if err == nil || !networkFailure(err) || int(b.Attempt()) >= retries {
			return err
		}
		d := b.Duration()
		logger.Info("connect failed, retrying", "attempt", int(b.Attempt()), "delay", d, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// networkFailure reports whether any TransportError in the chain is an I/O
// failure.
func networkFailure(err error) bool {
	for err != nil {
		var te *client.TransportError
		if !errors.As(err, &te) {
			return false
		}
		if te.Kind == client.KindIO {
			return true
		}
		err = te.Err
	}
	return false
}

func readRequest(path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

// format pretty prints an XML response, falling back to the raw text.
func format(response string) string {
	if response == "" {
		return "(empty response)"
	}
	d, err := wsman.Decode(response)
	if err != nil {
		return response
	}
	return wsman.Pretty(d)
}

// readPassword prompts on stderr, hiding input on a terminal.
func readPassword() string {
	fmt.Fprint(os.Stderr, "Password: ")

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return ""
		}
		return string(b)
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	return strings.TrimSpace(line)
}
