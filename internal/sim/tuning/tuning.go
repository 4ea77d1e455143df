package tuning

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/command"
	"macrosim.ai/internal/sim/money"
	"macrosim.ai/internal/sim/settlement"
)

// EnvPrefix is prepended to every environment override, e.g. MACROSIM_TICK_RATE_HZ.
const EnvPrefix = "MACROSIM_"

type Tuning struct {
	RunID              string `yaml:"run_id" toml:"run_id" env:"RUN_ID"`
	TickRateHz         int    `yaml:"tick_rate_hz" toml:"tick_rate_hz" env:"TICK_RATE_HZ"`
	SnapshotEveryTicks int    `yaml:"snapshot_every_ticks" toml:"snapshot_every_ticks" env:"SNAPSHOT_EVERY_TICKS"`
	MaxPendingCommands int    `yaml:"max_pending_commands" toml:"max_pending_commands" env:"MAX_PENDING_COMMANDS"`

	Currency    string `yaml:"currency" toml:"currency" env:"CURRENCY"`
	AuthorityID int64  `yaml:"authority_id" toml:"authority_id" env:"AUTHORITY_ID"`

	Audit Audit `yaml:"audit" toml:"audit" envPrefix:"AUDIT_"`

	ParamBounds   map[string]command.Bound `yaml:"param_bounds" toml:"param_bounds"`
	ParamDefaults map[string]float64       `yaml:"param_defaults" toml:"param_defaults"`

	Genesis []GenesisAccount `yaml:"genesis" toml:"genesis"`

	Log         Log         `yaml:"log" toml:"log" envPrefix:"LOG_"`
	OTel        OTel        `yaml:"otel" toml:"otel" envPrefix:"OTEL_"`
	Persistence Persistence `yaml:"persistence" toml:"persistence" envPrefix:"PERSIST_"`
}

type Audit struct {
	ToleranceMinPennies int64   `yaml:"tolerance_min_pennies" toml:"tolerance_min_pennies" env:"TOLERANCE_MIN_PENNIES"`
	ToleranceRatio      float64 `yaml:"tolerance_ratio" toml:"tolerance_ratio" env:"TOLERANCE_RATIO"`
}

// GenesisAccount seeds one agent before tick 1.
type GenesisAccount struct {
	ID      int64  `yaml:"id" toml:"id"`
	Kind    string `yaml:"kind" toml:"kind"`
	Name    string `yaml:"name" toml:"name"`
	Balance int64  `yaml:"balance" toml:"balance"`
}

type Log struct {
	Level   string `yaml:"level" toml:"level" env:"LEVEL"`
	File    string `yaml:"file" toml:"file" env:"FILE"`
	Journal bool   `yaml:"journal" toml:"journal" env:"JOURNAL"`
}

type OTel struct {
	Endpoint    string `yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
	Insecure    bool   `yaml:"insecure" toml:"insecure" env:"INSECURE"`
}

type Persistence struct {
	DataDir  string `yaml:"data_dir" toml:"data_dir" env:"DATA_DIR"`
	IndexDB  string `yaml:"index_db" toml:"index_db" env:"INDEX_DB"`
	TickLog  bool   `yaml:"tick_log" toml:"tick_log" env:"TICK_LOG"`
	AuditLog bool   `yaml:"audit_log" toml:"audit_log" env:"AUDIT_LOG"`
}

func Default() Tuning {
	return Tuning{
		RunID:              "run_1",
		TickRateHz:         5,
		SnapshotEveryTicks: 600,
		MaxPendingCommands: 1024,
		Currency:           string(money.DefaultCurrency),
		AuthorityID:        0,
		Audit: Audit{
			ToleranceMinPennies: int64(settlement.DefaultTolerance.MinPennies),
			ToleranceRatio:      settlement.DefaultTolerance.Ratio,
		},
		ParamBounds:   command.DefaultBounds(),
		ParamDefaults: command.DefaultValues(),
		Genesis: []GenesisAccount{
			{ID: 0, Kind: string(agents.KindCentralBank), Name: "central_bank"},
		},
		Log:         Log{Level: "info"},
		OTel:        OTel{ServiceName: "macrosim"},
		Persistence: Persistence{DataDir: "data", TickLog: true, AuditLog: true},
	}
}

// Load reads a YAML or TOML file (by extension) over the defaults, then applies
// MACROSIM_* environment overrides, then validates. An empty path skips the file.
func Load(path string) (Tuning, error) {
	t := Default()
	if path != "" {
		if err := decodeFile(path, &t); err != nil {
			return Tuning{}, err
		}
	}
	if err := env.ParseWithOptions(&t, env.Options{Prefix: EnvPrefix}); err != nil {
		return Tuning{}, fmt.Errorf("tuning env: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

func decodeFile(path string, t *Tuning) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), t); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(raw, t); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	default:
		return fmt.Errorf("%s: unsupported config format", filepath.Base(path))
	}
	return nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be > 0, got %d", t.TickRateHz)
	}
	if t.SnapshotEveryTicks < 0 {
		return fmt.Errorf("snapshot_every_ticks must be >= 0, got %d", t.SnapshotEveryTicks)
	}
	if t.MaxPendingCommands < 0 {
		return fmt.Errorf("max_pending_commands must be >= 0, got %d", t.MaxPendingCommands)
	}
	if _, err := money.ParseCurrency(t.Currency); err != nil {
		return err
	}
	if t.Audit.ToleranceMinPennies < 0 || t.Audit.ToleranceRatio < 0 {
		return fmt.Errorf("audit tolerance must be non-negative")
	}
	if _, err := command.NewParams(t.ParamBounds, t.ParamDefaults); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	if _, err := t.SlogLevel(); err != nil {
		return err
	}

	seen := map[int64]struct{}{}
	authority := false
	for _, g := range t.Genesis {
		if _, dup := seen[g.ID]; dup {
			return fmt.Errorf("genesis: duplicate id %d", g.ID)
		}
		seen[g.ID] = struct{}{}
		if g.Balance < 0 && agents.Kind(g.Kind) != agents.KindCentralBank {
			return fmt.Errorf("genesis: agent %d has negative balance %d", g.ID, g.Balance)
		}
		if g.ID == t.AuthorityID {
			authority = true
		}
	}
	if !authority {
		return fmt.Errorf("authority_id %d missing from genesis", t.AuthorityID)
	}
	return nil
}

func (t Tuning) Tolerance() settlement.Tolerance {
	return settlement.Tolerance{MinPennies: money.Pennies(t.Audit.ToleranceMinPennies), Ratio: t.Audit.ToleranceRatio}
}

func (t Tuning) ReportingCurrency() money.Currency {
	c, err := money.ParseCurrency(t.Currency)
	if err != nil {
		return money.DefaultCurrency
	}
	return c
}

func (t Tuning) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(t.Log.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Book builds the genesis agent registry.
func (t Tuning) Book() (*agents.Book, error) {
	cur := t.ReportingCurrency()
	book := agents.NewBook()
	for _, g := range t.Genesis {
		acc := agents.NewAccount(agents.ID(g.ID), agents.Kind(strings.ToUpper(g.Kind)), g.Name)
		acc.SetBalance(cur, money.Pennies(g.Balance))
		if err := book.Add(acc); err != nil {
			return nil, fmt.Errorf("genesis: %w", err)
		}
	}
	return book, nil
}

func (t Tuning) Params() (*command.Params, error) {
	return command.NewParams(t.ParamBounds, t.ParamDefaults)
}
