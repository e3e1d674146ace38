// Copyright 2025 The Ringmaster Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package setup implements the 'ringmaster setup' command: an
// interactive form that scaffolds the configuration file.
package setup

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/ringmaster-sh/ringmaster/internal/commands/shared"
	"github.com/ringmaster-sh/ringmaster/internal/config"
)

// NewCommand creates the setup command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively add MCP servers to the configuration",
		Long: `Setup walks through adding MCP servers to the configuration file.
Existing servers are kept; new ones are appended and saved.

For scripted environments, edit the configuration file directly
instead (see 'ringmaster servers list' for its location).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup()
		},
	}
}

func runSetup() error {
	if shared.IsNonInteractive() {
		return shared.NewInvalidInputError("setup requires an interactive terminal", nil)
	}

	path, err := configFilePath()
	if err != nil {
		return shared.NewConfigError("locating config file", err)
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return shared.NewConfigError(fmt.Sprintf("loading %s", path), err)
	}

	added := 0
	for {
		if err := addServer(cfg); err != nil {
			return err
		}
		added++

		var again bool
		if err := runForm(huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title("Add another server?").
				Value(&again),
		))); err != nil {
			return err
		}
		if !again {
			break
		}
	}

	if err := config.Save(cfg, path); err != nil {
		return shared.NewConfigError(fmt.Sprintf("saving %s", path), err)
	}

	fmt.Println(shared.RenderOK(fmt.Sprintf("added %d server(s) to %s", added, path)))
	fmt.Println(shared.Muted.Render("  next: ringmaster servers start <name>"))
	return nil
}

// addServer collects one server definition and inserts it into cfg.
func addServer(cfg *config.Config) error {
	var transport string
	if err := runForm(huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Transport").
			Options(
				huh.NewOption("stdio (launch a local process)", config.TransportStdio),
				huh.NewOption("http (connect to a URL)", config.TransportHTTP),
			).
			Value(&transport),
	))); err != nil {
		return err
	}

	var name string
	if err := runForm(huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Server name").
			Description("Tools appear as <name>:<tool>").
			Validate(validateNewName(cfg)).
			Value(&name),
	))); err != nil {
		return err
	}

	srv := &config.ServerConfig{Transport: transport}
	var err error
	switch transport {
	case config.TransportStdio:
		err = collectStdio(srv)
	case config.TransportHTTP:
		err = collectHTTP(srv)
	}
	if err != nil {
		return err
	}

	if cfg.Servers == nil {
		cfg.Servers = make(map[string]*config.ServerConfig)
	}
	cfg.Servers[name] = srv
	fmt.Println(shared.RenderOK("configured " + name))
	return nil
}

func collectStdio(srv *config.ServerConfig) error {
	var command, argsInput string
	var autoStart bool

	if err := runForm(huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Command").
			Description("Executable that speaks MCP on stdio").
			Placeholder("mcp-server-filesystem").
			Validate(config.ValidateCommand).
			Value(&command),
		huh.NewInput().
			Title("Arguments").
			Description("Optional, shell-quoted").
			Placeholder("--root /home/user/projects").
			Validate(validateArgs).
			Value(&argsInput),
		huh.NewConfirm().
			Title("Start automatically?").
			Description("Autostart servers join every command that needs a catalog").
			Value(&autoStart),
	))); err != nil {
		return err
	}

	srv.Command = command
	srv.AutoStart = autoStart
	if strings.TrimSpace(argsInput) != "" {
		args, err := shellquote.Split(argsInput)
		if err != nil {
			return shared.NewInvalidInputError("parsing arguments", err)
		}
		srv.Args = args
	}
	return nil
}

func collectHTTP(srv *config.ServerConfig) error {
	var url, authMode string

	if err := runForm(huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("URL").
			Placeholder("https://mcp.example.com/sse").
			Validate(validateURL).
			Value(&url),
		huh.NewSelect[string]().
			Title("Authentication").
			Options(
				huh.NewOption("None", ""),
				huh.NewOption("Bearer token", config.AuthBearer),
				huh.NewOption("OAuth2 client credentials", config.AuthOAuth2),
			).
			Value(&authMode),
	))); err != nil {
		return err
	}

	srv.URL = url

	switch authMode {
	case config.AuthBearer:
		var token string
		if err := runForm(huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Token").
				Description("Use env:NAME or keyring:NAME to keep it out of the file").
				Placeholder("keyring:my-api-token").
				Validate(required("token")).
				Value(&token),
		))); err != nil {
			return err
		}
		srv.Auth = &config.AuthConfig{Mode: config.AuthBearer, Token: token}

	case config.AuthOAuth2:
		var tokenURL, clientID, clientSecret string
		if err := runForm(huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Token URL").
				Validate(validateURL).
				Value(&tokenURL),
			huh.NewInput().
				Title("Client ID").
				Validate(required("client ID")).
				Value(&clientID),
			huh.NewInput().
				Title("Client secret").
				Description("Use env:NAME or keyring:NAME to keep it out of the file").
				Validate(required("client secret")).
				Value(&clientSecret),
		))); err != nil {
			return err
		}
		srv.Auth = &config.AuthConfig{
			Mode:         config.AuthOAuth2,
			TokenURL:     tokenURL,
			ClientID:     clientID,
			ClientSecret: clientSecret,
		}
	}
	return nil
}

// runForm runs a huh form, turning a user abort into a clean exit.
func runForm(form *huh.Form) error {
	err := form.Run()
	if err == nil {
		return nil
	}
	if errors.Is(err, huh.ErrUserAborted) {
		fmt.Println(shared.Muted.Render("Setup cancelled, nothing saved."))
		os.Exit(130) // Standard exit code for SIGINT
	}
	return fmt.Errorf("form failed: %w", err)
}

func configFilePath() (string, error) {
	if p := shared.GetConfigPath(); p != "" {
		return p, nil
	}
	return config.ConfigPath()
}

func validateNewName(cfg *config.Config) func(string) error {
	return func(name string) error {
		if err := config.ValidateServerName(name); err != nil {
			return err
		}
		if _, exists := cfg.Servers[name]; exists {
			return fmt.Errorf("server %q already exists", name)
		}
		return nil
	}
}

func validateArgs(input string) error {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	args, err := shellquote.Split(input)
	if err != nil {
		return err
	}
	for _, arg := range args {
		if err := config.ValidateArg(arg); err != nil {
			return err
		}
	}
	return nil
}

func validateURL(url string) error {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("must start with http:// or https://")
	}
	return nil
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}
