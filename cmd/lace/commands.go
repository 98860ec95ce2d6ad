package main

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/lacehq/lace/pkg/catalog"
	"github.com/lacehq/lace/pkg/config"
	"github.com/lacehq/lace/pkg/ids"
	"github.com/lacehq/lace/pkg/llms"
)

// ---------------------------------------------------------------------------
// lace session ...
// ---------------------------------------------------------------------------

type SessionCmd struct {
	List    SessionListCmd    `cmd:"" help:"List sessions."`
	Archive SessionArchiveCmd `cmd:"" help:"Archive a session."`
	Delete  SessionDeleteCmd  `cmd:"" help:"Delete a session and all its threads and tasks."`
}

type SessionListCmd struct{}

func (c *SessionListCmd) Run(rc *RunContext) error {
	records, err := rc.Runtime.Sessions.List(context.Background())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%s  %-9s %s  (%s)\n", r.ID, r.Status, r.Name, r.CreatedAt.Format(time.DateTime))
	}
	return nil
}

type SessionArchiveCmd struct {
	ID string `arg:"" help:"Session id."`
}

func (c *SessionArchiveCmd) Run(rc *RunContext) error {
	return rc.Runtime.Sessions.Archive(context.Background(), ids.ThreadID(c.ID))
}

type SessionDeleteCmd struct {
	ID    string `arg:"" help:"Session id."`
	Force bool   `help:"Skip confirmation."`
}

func (c *SessionDeleteCmd) Run(rc *RunContext) error {
	if !c.Force {
		fmt.Printf("Delete session %s and everything under it? [y/N]: ", c.ID)
		var answer string
		fmt.Scanln(&answer)
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			return nil
		}
	}
	return rc.Runtime.Sessions.Delete(context.Background(), ids.ThreadID(c.ID))
}

// ---------------------------------------------------------------------------
// lace provider ...
// ---------------------------------------------------------------------------

type ProviderCmd struct {
	List  ProviderListCmd  `cmd:"" help:"List catalog providers and configured instances."`
	Add   ProviderAddCmd   `cmd:"" help:"Add a provider instance."`
	Login ProviderLoginCmd `cmd:"" help:"Store credentials for an instance."`
	Ping  ProviderPingCmd  `cmd:"" help:"Check that a local provider instance is reachable."`
}

type ProviderListCmd struct{}

func (c *ProviderListCmd) Run(rc *RunContext) error {
	rt := rc.Runtime
	fmt.Println("Catalog providers:")
	for _, p := range rt.Catalog.Providers() {
		fmt.Printf("  %-20s %-10s %d models\n", p.ID, p.Type, len(p.Models))
	}
	fmt.Println("Configured instances:")
	instanceIDs := rt.Instances.IDs()
	if len(instanceIDs) == 0 {
		fmt.Println("  (none)")
	}
	for _, id := range instanceIDs {
		inst, _ := rt.Instances.Get(id)
		cred := " "
		if rt.Instances.HasCredential(id) {
			cred = "*"
		}
		fmt.Printf("  %s %-20s -> %s\n", cred, id, inst.CatalogProviderID)
	}
	return nil
}

type ProviderAddCmd struct {
	ID       string `arg:"" help:"Instance id."`
	Catalog  string `arg:"" help:"Catalog provider id."`
	Name     string `help:"Display name."`
	Endpoint string `help:"Endpoint override."`
}

func (c *ProviderAddCmd) Run(rc *RunContext) error {
	name := c.Name
	if name == "" {
		name = c.ID
	}
	return rc.Runtime.Instances.Put(c.ID, catalog.Instance{
		DisplayName:       name,
		CatalogProviderID: c.Catalog,
		Endpoint:          c.Endpoint,
	})
}

type ProviderLoginCmd struct {
	ID string `arg:"" help:"Instance id."`
}

func (c *ProviderLoginCmd) Run(rc *RunContext) error {
	fmt.Printf("API key for %s: ", c.ID)
	key, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return err
	}
	return rc.Runtime.Instances.SaveCredential(c.ID, catalog.Credential{
		APIKey: strings.TrimSpace(string(key)),
	})
}

type ProviderPingCmd struct {
	ID    string `arg:"" help:"Instance id."`
	Model string `help:"Model id (defaults to the catalog's default model)."`
}

func (c *ProviderPingCmd) Run(rc *RunContext) error {
	rt := rc.Runtime
	cfg, err := catalog.BuildProviderConfig(rt.Catalog, rt.Instances, c.ID, c.Model)
	if err != nil {
		return err
	}
	provider, err := llms.NewProvider(cfg)
	if err != nil {
		return err
	}
	defer provider.Close()

	pinger, ok := provider.(llms.Pinger)
	if !ok {
		return fmt.Errorf("%s providers do not support ping", provider.ProviderName())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pinger.Ping(ctx); err != nil {
		return err
	}
	fmt.Printf("%s is reachable (%s)\n", c.ID, cfg.Host)
	return nil
}

// ---------------------------------------------------------------------------
// lace preset ...
// ---------------------------------------------------------------------------

type PresetCmd struct {
	List    PresetListCmd    `cmd:"" help:"List presets."`
	Save    PresetSaveCmd    `cmd:"" help:"Save a preset."`
	Delete  PresetDeleteCmd  `cmd:"" help:"Delete a preset."`
	Default PresetDefaultCmd `cmd:"" help:"Mark a preset as default."`
}

type PresetListCmd struct{}

func (c *PresetListCmd) Run(rc *RunContext) error {
	presets, err := rc.Runtime.Presets.List()
	if err != nil {
		return err
	}
	if len(presets) == 0 {
		fmt.Println("No presets.")
		return nil
	}
	for _, p := range presets {
		marker := " "
		if p.IsDefault {
			marker = "*"
		}
		fmt.Printf("%s %-20s instance=%s model=%s\n", marker, p.Name, p.Config.ProviderInstanceID, p.Config.ModelID)
	}
	return nil
}

type PresetSaveCmd struct {
	Name     string  `arg:"" help:"Preset name."`
	Instance string  `help:"Provider instance id."`
	Model    string  `help:"Model id."`
	Temp     float64 `help:"Sampling temperature."`
	Default  bool    `help:"Mark as default."`
}

func (c *PresetSaveCmd) Run(rc *RunContext) error {
	return rc.Runtime.Presets.Save(config.Preset{
		Name: c.Name,
		Config: config.SessionConfig{
			ProviderInstanceID: c.Instance,
			ModelID:            c.Model,
			Temperature:        c.Temp,
		},
		IsDefault: c.Default,
	})
}

type PresetDeleteCmd struct {
	Name string `arg:"" help:"Preset name."`
}

func (c *PresetDeleteCmd) Run(rc *RunContext) error {
	return rc.Runtime.Presets.Delete(c.Name)
}

type PresetDefaultCmd struct {
	Name string `arg:"" help:"Preset name."`
}

func (c *PresetDefaultCmd) Run(rc *RunContext) error {
	return rc.Runtime.Presets.SetDefault(c.Name)
}
