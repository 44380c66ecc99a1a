package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/consus-energy/lanzone-edge/pkg/fieldbus"
	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/types"
)

// DefaultConfigPath is the YAML fallback read when the environment does not
// carry the full bootstrap configuration.
const DefaultConfigPath = "edge_config.yaml"

// DefaultRegisterMapPath is where the device register map ships.
const DefaultRegisterMapPath = "register_map.json"

// envKeys maps environment variable names to comms-settings fields.
// Environment values take precedence over the YAML fallback.
var envKeys = map[string]func(*types.CommsSettings, string) error{
	"api_base_url":               setString(func(c *types.CommsSettings, v string) { c.APIBaseURL = v }),
	"MQTT_BROKER_HOST":           setString(func(c *types.CommsSettings, v string) { c.MQTTBrokerHost = v }),
	"MQTT_BROKER_PORT":           setInt(func(c *types.CommsSettings, v int) { c.MQTTBrokerPort = v }),
	"GROUP_ID":                   setString(func(c *types.CommsSettings, v string) { c.GroupID = v }),
	"KEEP_ALIVE":                 setInt(func(c *types.CommsSettings, v int) { c.KeepAlive = v }),
	"INGEST_ENDPOINT":            setString(func(c *types.CommsSettings, v string) { c.IngestEndpoint = v }),
	"HEALTH_ENDPOINT":            setString(func(c *types.CommsSettings, v string) { c.HealthEndpoint = v }),
	"STATE_VALIDATION_ENDPOINT":  setString(func(c *types.CommsSettings, v string) { c.StateValidationEndpoint = v }),
	"MODBUS_VALIDATION_ENDPOINT": setString(func(c *types.CommsSettings, v string) { c.ModbusValidationEndpoint = v }),
	"MQTT_USER":                  setString(func(c *types.CommsSettings, v string) { c.MQTTUser = v }),
	"MQTT_PASSWORD":              setString(func(c *types.CommsSettings, v string) { c.MQTTPassword = v }),
	"MQTT_TOPIC":                 setString(func(c *types.CommsSettings, v string) { c.MQTTTopic = v }),
	"API_KEY":                    setString(func(c *types.CommsSettings, v string) { c.APIKey = v }),
	"EDGE_PI_IP":                 setString(func(c *types.CommsSettings, v string) { c.EdgePiIP = v }),
}

func setString(set func(*types.CommsSettings, string)) func(*types.CommsSettings, string) error {
	return func(c *types.CommsSettings, v string) error {
		set(c, v)
		return nil
	}
}

func setInt(set func(*types.CommsSettings, int)) func(*types.CommsSettings, string) error {
	return func(c *types.CommsSettings, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		set(c, n)
		return nil
	}
}

// Load builds the bootstrap comms settings: YAML fallback first (missing
// file is fine), then environment overrides, then a required-key check that
// names every missing key so a misconfigured deployment fails loudly at
// boot.
func Load(yamlPath string) (types.CommsSettings, error) {
	var comms types.CommsSettings

	fromYAML, err := loadYAML(yamlPath, &comms)
	if err != nil {
		return comms, err
	}

	fromEnv := false
	for name, apply := range envKeys {
		val := os.Getenv(name)
		if val == "" {
			continue
		}
		if err := apply(&comms, val); err != nil {
			return comms, fmt.Errorf("env %s invalid: %w", name, err)
		}
		fromEnv = true
	}

	if missing := missingKeys(comms); len(missing) > 0 {
		return comms, fmt.Errorf("missing required bootstrap keys: %v", missing)
	}

	logger := log.WithComponent("config")
	switch {
	case fromEnv && fromYAML:
		logger.Info().Str("path", yamlPath).Msg("bootstrap config loaded from env overriding yaml")
	case fromEnv:
		logger.Info().Msg("bootstrap config loaded from env")
	default:
		logger.Info().Str("path", yamlPath).Msg("bootstrap config loaded from yaml")
	}
	return comms, nil
}

func loadYAML(path string, comms *types.CommsSettings) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, comms); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// missingKeys reports which required bootstrap keys are absent, by their
// configuration names.
func missingKeys(c types.CommsSettings) []string {
	required := map[string]bool{
		"api_base_url":               c.APIBaseURL != "",
		"MQTT_BROKER_HOST":           c.MQTTBrokerHost != "",
		"MQTT_BROKER_PORT":           c.MQTTBrokerPort != 0,
		"group_id":                   c.GroupID != "",
		"KEEP_ALIVE":                 c.KeepAlive != 0,
		"ingest_endpoint":            c.IngestEndpoint != "",
		"state_validation_endpoint":  c.StateValidationEndpoint != "",
		"modbus_validation_endpoint": c.ModbusValidationEndpoint != "",
		"MQTT_USER":                  c.MQTTUser != "",
		"MQTT_PASSWORD":              c.MQTTPassword != "",
		"API_KEY":                    c.APIKey != "",
	}
	var missing []string
	for key, present := range required {
		if !present {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

// LoadRegisterMap reads the device register map shipped beside the binary.
func LoadRegisterMap(path string) (*fieldbus.RegisterMap, error) {
	rm, err := fieldbus.LoadRegisterMap(path)
	if err != nil {
		return nil, fmt.Errorf("load register map %s: %w", path, err)
	}
	logger := log.WithComponent("config")
	logger.Info().Str("path", path).Int("entries", rm.Len()).Msg("register map loaded")
	return rm, nil
}
