package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// FlushCmd asks a running server to flush its write-back caches.
type FlushCmd struct {
	Server    string        `help:"Admin server URL." default:"http://127.0.0.1:9090" env:"REPLICACHE_SERVER"`
	AuthToken string        `help:"Bearer token of the admin server." env:"REPLICACHE_AUTH_TOKEN"`
	User      string        `help:"Flush only the entries of this owner." name:"user"`
	Timeout   time.Duration `help:"Request timeout." default:"1m"`
}

func (c *FlushCmd) Run(g *Globals) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("parsing server url: %w", err)
	}
	u = u.JoinPath("flush")
	if c.User != "" {
		u.RawQuery = url.Values{"owner": {c.User}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return err
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting flush: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		return fmt.Errorf("reading flush result: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("flush failed: %s", resp.Status)
	}
	g.logger.Debug("flush complete", "server", c.Server, "user", c.User)
	return nil
}
