package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/farm-auth/internal/auth"
	autherrors "github.com/alexjbarnes/farm-auth/internal/errors"
	"github.com/alexjbarnes/farm-auth/internal/models"
	"github.com/alexjbarnes/farm-auth/internal/pkce"
	"github.com/alexjbarnes/farm-auth/internal/server"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

func (c *LoginCmd) Execute(_ []string) error {
	return withApp(appOptions{openBrowser: !c.NoBrowser}, func(ctx context.Context, a *app) error {
		if a.cfg.IsOAuth() {
			return c.browserLogin(ctx, a)
		}

		return c.localLogin(ctx, a)
	})
}

func (c *LoginCmd) localLogin(ctx context.Context, a *app) error {
	creds := &auth.Credentials{Username: c.Username, Password: c.Password}
	if creds.Username == "" {
		creds.Username = a.cfg.Username
	}

	if creds.Password == "" {
		creds.Password = a.cfg.Password
	}

	if creds.Username == "" {
		return fmt.Errorf("username is required: pass -u or set FARM_USERNAME")
	}

	if creds.Password == "" {
		pw, err := promptPassword(stdin, stderr)
		if err != nil {
			return err
		}

		creds.Password = pw
	}

	if err := a.provider.InitiateLogin(ctx, creds); err != nil {
		return err
	}

	tok, err := a.provider.LoadToken(ctx)
	if err != nil {
		return err
	}

	if tok == nil {
		return autherrors.ErrNotAuthenticated
	}

	fmt.Fprintf(stdout, "signed in as %s, token expires %s\n", strings.TrimSpace(creds.Username), tok.ExpiresTime)

	return nil
}

// browserLogin serves the callback endpoint, starts the identity-server
// login and waits until the callback delivers a token.
func (c *LoginCmd) browserLogin(ctx context.Context, a *app) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	tokens := make(chan *models.StoredToken, 1)

	mux := server.NewMux(server.MuxConfig{
		Provider:     a.provider,
		Logger:       a.logger,
		AppOrigin:    a.cfg.AppOrigin,
		CallbackPath: a.cfg.CallbackPath,
		OnToken: func(tok *models.StoredToken) {
			select {
			case tokens <- tok:
			default:
			}
		},
	})

	ln, err := net.Listen("tcp", a.cfg.CallbackListenAddr)
	if err != nil {
		return fmt.Errorf("listening for login callback: %w", err)
	}

	srv := server.NewServer(a.cfg.CallbackListenAddr, mux)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("callback server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		if err := a.provider.InitiateLogin(gctx, nil); err != nil {
			return err
		}

		select {
		case tok := <-tokens:
			fmt.Fprintf(stdout, "signed in, token expires %s\n", tok.ExpiresTime)
			return nil
		case <-gctx.Done():
			return fmt.Errorf("waiting for login callback: %w", gctx.Err())
		}
	})

	return g.Wait()
}

// promptPassword reads one line from in. The input is echoed.
func promptPassword(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "Password: ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return "", fmt.Errorf("no password entered")
	}

	pw := scanner.Text()
	if pw == "" {
		return "", fmt.Errorf("no password entered")
	}

	return pw, nil
}

func (c *LogoutCmd) Execute(_ []string) error {
	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		var access string

		tok, err := a.provider.LoadToken(ctx)
		if err != nil {
			a.logger.Debug("loading token before logout", slog.String("error", err.Error()))
		} else if tok != nil {
			access = tok.AccessToken
		}

		if err := a.provider.Logout(ctx, access); err != nil {
			return fmt.Errorf("logging out: %w", err)
		}

		fmt.Fprintln(stdout, "signed out")

		return nil
	})
}

func (c *TokenCmd) Execute(_ []string) error {
	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		tok, err := a.provider.LoadToken(ctx)
		if err != nil {
			return err
		}

		if tok == nil {
			return autherrors.ErrNotAuthenticated
		}

		return writeToken(stdout, tok, c.Format)
	})
}

func (c *RefreshCmd) Execute(_ []string) error {
	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		fresh, err := a.provider.RefreshAuth(ctx, "")
		if err != nil {
			return err
		}

		return writeToken(stdout, fresh, c.Format)
	})
}

func (c *PKCECmd) Execute(_ []string) error {
	verifier := pkce.GenerateCodeVerifier()

	fmt.Fprintf(stdout, "code_verifier:  %s\n", verifier)
	fmt.Fprintf(stdout, "code_challenge: %s\n", pkce.GenerateCodeChallenge(verifier))
	fmt.Fprintf(stdout, "state:          %s\n", pkce.GenerateState())

	return nil
}

func (c *WhoamiCmd) Execute(_ []string) error {
	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		svc, err := a.services.Service(ctx, c.Args.Resource)
		if err != nil {
			return err
		}

		body, err := svc.Get(ctx, c.Path)
		if err != nil {
			return fmt.Errorf("querying %s: %w", svc.Resource(), err)
		}

		return writeBody(stdout, body)
	})
}

func (c *VersionCmd) Execute(_ []string) error {
	fmt.Fprintln(stdout, Version)
	return nil
}

func writeToken(w io.Writer, tok *models.StoredToken, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(tok); err != nil {
			return fmt.Errorf("encoding token: %w", err)
		}

		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		if err := enc.Encode(tok); err != nil {
			return fmt.Errorf("encoding token: %w", err)
		}

		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// writeBody pretty-prints JSON bodies and passes anything else through.
func writeBody(w io.Writer, body []byte) error {
	if gjson.ValidBytes(body) {
		body = []byte(gjson.GetBytes(body, "@pretty").Raw)
	}

	if _, err := w.Write(body); err != nil {
		return err
	}

	if len(body) > 0 && body[len(body)-1] != '\n' {
		_, err := io.WriteString(w, "\n")
		return err
	}

	return nil
}
