package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hostwatch/internal/app"
	"hostwatch/internal/config"
	"hostwatch/internal/module"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until SIGINT or SIGTERM (SIGHUP reloads config)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		sigs := make(chan os.Signal, 4)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigs)
		return a.Run(cmd.Context(), sigs)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a config file without starting the agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		if err := app.Validate(cmd.Context(), cfg); err != nil {
			return err
		}
		enabled := 0
		for _, m := range cfg.Modules {
			if !m.Disabled {
				enabled++
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d modules enabled, %d outputs)\n", cfgPath, enabled, len(cfg.Outputs))
		return nil
	},
}

var (
	statusAddr    string
	statusToken   string
	statusMIDs    []string
	statusTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of a running agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := strings.TrimSpace(statusAddr)
		if !strings.Contains(addr, "://") {
			addr = "http://" + addr
		}
		u, err := url.Parse(addr)
		if err != nil {
			return err
		}
		u.Path = "/status"
		q := url.Values{}
		for _, mid := range statusMIDs {
			q.Add("mid", mid)
		}
		u.RawQuery = q.Encode()

		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		if statusToken != "" {
			req.Header.Set("Authorization", "Bearer "+statusToken)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}
		_, err = cmd.OutOrStdout().Write(body)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and registered module types",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"version": version,
			"modules": module.Types(),
		})
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "127.0.0.1:9464", "agent http address")
	statusCmd.Flags().StringVar(&statusToken, "token", os.Getenv("HOSTWATCH_TOKEN"), "bearer token (default $HOSTWATCH_TOKEN)")
	statusCmd.Flags().StringSliceVar(&statusMIDs, "mid", nil, "only these module ids (repeatable)")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "request timeout")
}
