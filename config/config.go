package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	bridgecommon "github.com/valuebridge/bridge-node/common"
	"github.com/valuebridge/bridge-node/config/types"
	"github.com/valuebridge/bridge-node/log"
)

const (
	// FlagCfg is the flag for the config files
	FlagCfg = "cfg"
	// FlagPasswordFile is the file holding the keystore password
	FlagPasswordFile = "password-file"
	// FlagClearDB wipes the database before starting
	FlagClearDB = "clear-db"
	// FlagDry evaluates every action without sending transactions
	FlagDry = "dry"
	// FlagLogDBState periodically logs a summary of the database
	FlagLogDBState = "log-db-state"

	EnvVarPrefix = "BRIDGE"
	ConfigType   = "toml"

	maxPercent = 100
)

var ErrInvalidConfig = errors.New("invalid config")

type DBConfig struct {
	// Path of the SQLite file
	Path string `mapstructure:"Path"`
}

// NetworkConfig describes a chain the node works on
type NetworkConfig struct {
	Enabled bool   `mapstructure:"Enabled"`
	ChainID uint64 `mapstructure:"ChainID"`
	RPCURL  string `mapstructure:"RPCURL"`
	// WaitConfirmations before a bond or root on this network is considered final
	WaitConfirmations  uint64 `mapstructure:"WaitConfirmations"`
	InitialBlock       uint64 `mapstructure:"InitialBlock"`
	SyncBlockChunkSize uint64 `mapstructure:"SyncBlockChunkSize"`
	// ChallengePeriod of the roots committed on this network
	ChallengePeriod types.Duration `mapstructure:"ChallengePeriod"`
	// GasOffset is added to every gas estimation
	GasOffset uint64 `mapstructure:"GasOffset"`
	// Bridges holds the bridge contract of each token
	Bridges map[string]common.Address `mapstructure:"Bridges"`
}

type TokenConfig struct {
	Enabled  bool  `mapstructure:"Enabled"`
	Decimals uint8 `mapstructure:"Decimals"`
}

type RolesConfig struct {
	Bonder     bool `mapstructure:"Bonder"`
	Challenger bool `mapstructure:"Challenger"`
	Staker     bool `mapstructure:"Staker"`
}

// StakeConfig amounts are in token units, not base units
type StakeConfig struct {
	MinAmount          decimal.Decimal `mapstructure:"MinAmount"`
	MaxAmount          decimal.Decimal `mapstructure:"MaxAmount"`
	MaxAmountPerAction decimal.Decimal `mapstructure:"MaxAmountPerAction"`
}

type CommitTransfersConfig struct {
	// MinThresholdAmount per token of uncommitted transfers that triggers a commit
	MinThresholdAmount map[string]decimal.Decimal `mapstructure:"MinThresholdAmount"`
	// MaxWaitWindow since the oldest uncommitted transfer that triggers a commit, 0 disables it
	MaxWaitWindow     types.Duration `mapstructure:"MaxWaitWindow"`
	TriggerPrecedence string         `mapstructure:"TriggerPrecedence" jsonschema:"enum=amount,enum=window"`
}

type SettleBondedWithdrawalsConfig struct {
	ThresholdPercent map[string]decimal.Decimal `mapstructure:"ThresholdPercent"`
}

type RetryConfig struct {
	MaxAttempts    int            `mapstructure:"MaxAttempts"`
	InitialBackoff types.Duration `mapstructure:"InitialBackoff"`
	MaxBackoff     types.Duration `mapstructure:"MaxBackoff"`
}

type EventsConfig struct {
	// NATSURL enables forwarding the events to NATS when set
	NATSURL       string `mapstructure:"NATSURL"`
	SubjectPrefix string `mapstructure:"SubjectPrefix"`
	// AlertSubject receives the alerts too when NATS is enabled
	AlertSubject string `mapstructure:"AlertSubject"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"Enabled"`
	Host    string `mapstructure:"Host"`
	Port    int    `mapstructure:"Port"`
}

type DBStateLogConfig struct {
	Enabled bool `mapstructure:"Enabled"`
	// Schedule in cron format, descriptors like "@every 1m" included
	Schedule string `mapstructure:"Schedule"`
}

/*
Config represents the configuration of the bridge node.
Files can be TOML, JSON or YAML. They are merged over the defaults in order, and values like
{{Var}} are resolved from the merged config or BRIDGE_Var environment variables.
*/
type Config struct {
	// DryRun evaluates every decision without sending transactions
	DryRun bool `mapstructure:"DryRun"`
	// Log level and format for every service
	Log log.Config `mapstructure:"Log"`
	DB  DBConfig   `mapstructure:"DB"`
	// Signer is the keystore of the bonder account
	Signer   types.KeystoreFileConfig `mapstructure:"Signer"`
	Networks map[string]NetworkConfig `mapstructure:"Networks"`
	Tokens   map[string]TokenConfig   `mapstructure:"Tokens"`
	Roles    RolesConfig              `mapstructure:"Roles"`
	Stake    map[string]StakeConfig   `mapstructure:"Stake"`

	CommitTransfers CommitTransfersConfig `mapstructure:"CommitTransfers"`
	// BondWithdrawals is the largest transfer bonded per token
	BondWithdrawals         map[string]decimal.Decimal    `mapstructure:"BondWithdrawals"`
	SettleBondedWithdrawals SettleBondedWithdrawalsConfig `mapstructure:"SettleBondedWithdrawals"`
	// ChallengeBond is the native currency sent with every challenge
	ChallengeBond decimal.Decimal `mapstructure:"ChallengeBond"`
	// Watchers enables or disables each kind of watcher
	Watchers map[string]bool `mapstructure:"Watchers"`

	PollInterval types.Duration   `mapstructure:"PollInterval"`
	Retry        RetryConfig      `mapstructure:"Retry"`
	Events       EventsConfig     `mapstructure:"Events"`
	Metrics      MetricsConfig    `mapstructure:"Metrics"`
	DBStateLog   DBStateLogConfig `mapstructure:"DBStateLog"`
}

// Load reads the files given with --cfg and applies the command line overrides
func Load(cliCtx *cli.Context) (*Config, error) {
	cfg, err := LoadFile(cliCtx.StringSlice(FlagCfg)...)
	if err != nil {
		return nil, err
	}
	if cliCtx.Bool(FlagDry) {
		cfg.DryRun = true
	}
	if cliCtx.Bool(FlagLogDBState) {
		cfg.DBStateLog.Enabled = true
	}
	if path := cliCtx.String(FlagPasswordFile); path != "" {
		password, err := bridgecommon.ReadPasswordFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading password file %s: %w", path, err)
		}
		cfg.Signer.Password = password
	}
	return cfg, nil
}

// LoadFile merges files over the defaults and decodes the result
func LoadFile(files ...string) (*Config, error) {
	filesData, err := readFiles(files)
	if err != nil {
		return nil, fmt.Errorf("error reading files: %w", err)
	}
	data := make([]FileData, 0, len(filesData)+2) //nolint:mnd
	data = append(data,
		FileData{Name: "default_vars", Content: DefaultVars},
		FileData{Name: "default_values", Content: DefaultValues})
	data = append(data, filesData...)

	rendered, err := NewConfigRender(data, EnvVarPrefix).Render()
	if err != nil {
		return nil, err
	}
	return LoadFileFromString(rendered, ConfigType)
}

// LoadFileFromString decodes a single config document, normalizes and validates it
func LoadFileFromString(data string, configType string) (*Config, error) {
	cfg := &Config{}
	if err := loadString(cfg, data, configType, true, EnvVarPrefix); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFiles(files []string) ([]FileData, error) {
	result := make([]FileData, 0, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("error reading file content: %s. Err:%w", file, err)
		}
		fileContent := string(content)
		if ext := getFileExtension(file); ext != ConfigType {
			fileContent, err = convertFileToToml(fileContent, ext)
			if err != nil {
				return nil, fmt.Errorf("error converting file: %s from %s to TOML. Err:%w", file, ext, err)
			}
		}
		result = append(result, FileData{Name: file, Content: fileContent})
	}
	return result, nil
}

func getFileExtension(fileName string) string {
	return fileName[strings.LastIndex(fileName, ".")+1:]
}

// decimalHookFunc decodes strings and numbers into decimal.Decimal
func decimalHookFunc() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case int64:
			return decimal.NewFromInt(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		default:
			return data, nil
		}
	}
}

func loadString(cfg *Config, configData string, configType string, allowEnvVars bool, envPrefix string) error {
	v := viper.New()
	v.SetConfigType(configType)
	if allowEnvVars {
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.SetEnvPrefix(envPrefix)
		v.AutomaticEnv()
	}
	if err := v.ReadConfig(bytes.NewBufferString(configData)); err != nil {
		return err
	}
	decodeHooks := []viper.DecoderConfigOption{
		// arrays can come from env vars separated by ",", example: MY_VAR="value1,value2,value3"
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			decimalHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToSliceHookFunc(","))),
	}
	return v.Unmarshal(cfg, decodeHooks...)
}

func upperKeys[T any](m map[string]T) map[string]T {
	res := make(map[string]T, len(m))
	for k, v := range m {
		res[strings.ToUpper(k)] = v
	}
	return res
}

// normalize restores the case of the map keys, lost in decoding: networks lower case,
// tokens upper case and watcher kinds as named in the code
func (c *Config) normalize() error {
	networks := make(map[string]NetworkConfig, len(c.Networks))
	for name, n := range c.Networks {
		n.Bridges = upperKeys(n.Bridges)
		networks[strings.ToLower(name)] = n
	}
	c.Networks = networks
	c.Tokens = upperKeys(c.Tokens)
	c.Stake = upperKeys(c.Stake)
	c.BondWithdrawals = upperKeys(c.BondWithdrawals)
	c.CommitTransfers.MinThresholdAmount = upperKeys(c.CommitTransfers.MinThresholdAmount)
	c.SettleBondedWithdrawals.ThresholdPercent = upperKeys(c.SettleBondedWithdrawals.ThresholdPercent)

	watchers := make(map[string]bool, len(c.Watchers))
	for name, enabled := range c.Watchers {
		kind := ""
		for _, k := range bridgecommon.WatcherKinds {
			if strings.EqualFold(k, name) {
				kind = k
			}
		}
		if kind == "" {
			return fmt.Errorf("%w: unknown watcher %q", ErrInvalidConfig, name)
		}
		watchers[kind] = enabled
	}
	c.Watchers = watchers
	return nil
}

// Validate rejects the configs the node can't run with
func (c *Config) Validate() error {
	for kind := range c.Watchers {
		if !bridgecommon.IsWatcherKind(kind) {
			return fmt.Errorf("%w: unknown watcher %q", ErrInvalidConfig, kind)
		}
	}
	for name, n := range c.Networks {
		if !n.Enabled {
			continue
		}
		if n.ChainID == 0 {
			return fmt.Errorf("%w: network %s has no ChainID", ErrInvalidConfig, name)
		}
		if n.RPCURL == "" {
			return fmt.Errorf("%w: network %s has no RPCURL", ErrInvalidConfig, name)
		}
	}
	for name, t := range c.Tokens {
		if t.Enabled && t.Decimals == 0 {
			return fmt.Errorf("%w: token %s has no Decimals", ErrInvalidConfig, name)
		}
	}
	for name, s := range c.Stake {
		if s.MinAmount.GreaterThan(s.MaxAmount) {
			return fmt.Errorf("%w: stake of %s has MinAmount %s above MaxAmount %s",
				ErrInvalidConfig, name, s.MinAmount, s.MaxAmount)
		}
	}
	for name, p := range c.SettleBondedWithdrawals.ThresholdPercent {
		if p.IsNegative() || p.GreaterThan(decimal.NewFromInt(maxPercent)) {
			return fmt.Errorf("%w: settle threshold of %s is %s%%, outside [0,100]", ErrInvalidConfig, name, p)
		}
	}
	if c.ChallengeBond.IsNegative() {
		return fmt.Errorf("%w: negative ChallengeBond %s", ErrInvalidConfig, c.ChallengeBond)
	}
	switch c.CommitTransfers.TriggerPrecedence {
	case "", "amount", "window":
	default:
		return fmt.Errorf("%w: unknown trigger precedence %q", ErrInvalidConfig, c.CommitTransfers.TriggerPrecedence)
	}
	return nil
}

// EnabledNetworks returns the names of the enabled networks, sorted
func (c *Config) EnabledNetworks() []string {
	var res []string
	for name, n := range c.Networks {
		if n.Enabled {
			res = append(res, name)
		}
	}
	sort.Strings(res)
	return res
}

// EnabledTokens returns the symbols of the enabled tokens, sorted
func (c *Config) EnabledTokens() []string {
	var res []string
	for name, t := range c.Tokens {
		if t.Enabled {
			res = append(res, name)
		}
	}
	sort.Strings(res)
	return res
}

// EnabledWatchers returns the watcher kinds to run. Kinds missing from the config are enabled
func (c *Config) EnabledWatchers() []string {
	var res []string
	for _, kind := range bridgecommon.WatcherKinds {
		if enabled, ok := c.Watchers[kind]; !ok || enabled {
			res = append(res, kind)
		}
	}
	return res
}
