package types

import (
	"encoding/json"
	"time"
)

// EdgeStatus is the global run state of the LAN zone pushed by the backend.
type EdgeStatus string

const (
	EdgeStatusActive   EdgeStatus = "active"
	EdgeStatusPaused   EdgeStatus = "paused"
	EdgeStatusInactive EdgeStatus = "inactive"
)

// BatteryMode is the per-unit operating mode requested by the backend.
type BatteryMode string

const (
	BatteryModeActive         BatteryMode = "active"
	BatteryModeIdle           BatteryMode = "idle"
	BatteryModeCharging       BatteryMode = "charging"
	BatteryModeForcedCharging BatteryMode = "forced_charging"
)

// AutoBiasTrim configures the optional automatic meter bias adjustment that
// keeps steady-state grid exchange near TargetW while the inverter is in
// Auto mode.
type AutoBiasTrim struct {
	Enable    bool `json:"enable"`
	TargetW   int  `json:"target_w"`
	DeadbandW int  `json:"deadband_w"` // tolerance before adjusting (>=0)
	StepW     int  `json:"step_w"`     // single adjustment step (>=1)
}

// Settings holds the global LAN-zone settings replaced wholesale by
// `settings` bus messages.
type Settings struct {
	Frequency              float64    `json:"frequency"`                // control tick frequency, Hz
	PostingIntervalSeconds int        `json:"posting_interval_seconds"` // telemetry flush interval
	EdgeStatus             EdgeStatus `json:"edge_status"`
	GroupID                string     `json:"group_id,omitempty"`

	ExportCapW    int  `json:"export_cap_w"`  // 0 = zero-export
	ExternalMeter bool `json:"external_meter"`
	MeterBiasW    int  `json:"meter_bias_w"` // initial grid bias, -500..+500

	ImportChargePowerW int     `json:"import_charge_power_w"` // target grid import inside charge windows
	TargetSOCPercent   float64 `json:"target_soc_percent"`    // SoC to stop Import-AC
	MinImportW         int     `json:"min_import_w"`

	// Global fallbacks when the unit config leaves these unset.
	MaxChargeW       float64 `json:"max_charge_w,omitempty"`
	MaxRampRateWPerS float64 `json:"max_ramp_rate_w_per_s,omitempty"`

	AutoBiasTrim *AutoBiasTrim `json:"auto_bias_trim,omitempty"`
}

// DefaultSettings mirrors the backend defaults used before the first
// `settings` push arrives.
func DefaultSettings() Settings {
	return Settings{
		Frequency:              1.0,
		PostingIntervalSeconds: 10,
		EdgeStatus:             EdgeStatusInactive,
		ExternalMeter:          true,
		MeterBiasW:             -50,
		ImportChargePowerW:     3400,
		TargetSOCPercent:       100,
	}
}

// BatteryConfig is the per-unit configuration keyed by consus_id.
type BatteryConfig struct {
	ConsusID          string      `json:"consus_id"`
	CapacityKWh       float64     `json:"capacity,omitempty"`
	ReserveSOCPct     float64     `json:"reserve_soc,omitempty"`
	MaxSOCPct         float64     `json:"max_soc,omitempty"`
	MaxChargeW        float64     `json:"max_charge_w,omitempty"`
	MaxDischargeW     float64     `json:"max_discharge_w,omitempty"`
	MaxRampRateWPerS  float64     `json:"max_ramp_rate_w_per_s,omitempty"`
	BatteryMode       BatteryMode `json:"battery_mode,omitempty"`
	ModbusIP          string      `json:"MODBUS_IP,omitempty"`
	ModbusPort        int         `json:"MODBUS_PORT,omitempty"`
	PVEnabled         bool        `json:"pv_enabled,omitempty"`
	InitialSOCPercent float64     `json:"initial_soc_percent,omitempty"`
}

// CommsSettings carries the bootstrap connectivity configuration. It is
// static for the process lifetime apart from backend-driven overrides at
// init time.
type CommsSettings struct {
	APIBaseURL               string `json:"api_base_url" yaml:"api_base_url"`
	IngestEndpoint           string `json:"ingest_endpoint" yaml:"ingest_endpoint"`
	HealthEndpoint           string `json:"health_endpoint,omitempty" yaml:"health_endpoint"`
	StateValidationEndpoint  string `json:"state_validation_endpoint" yaml:"state_validation_endpoint"`
	ModbusValidationEndpoint string `json:"modbus_validation_endpoint" yaml:"modbus_validation_endpoint"`
	MQTTBrokerHost           string `json:"MQTT_BROKER_HOST" yaml:"MQTT_BROKER_HOST"`
	MQTTBrokerPort           int    `json:"MQTT_BROKER_PORT" yaml:"MQTT_BROKER_PORT"`
	MQTTUser                 string `json:"MQTT_USER" yaml:"MQTT_USER"`
	MQTTPassword             string `json:"MQTT_PASSWORD" yaml:"MQTT_PASSWORD"`
	MQTTTopic                string `json:"MQTT_TOPIC,omitempty" yaml:"MQTT_TOPIC"`
	GroupID                  string `json:"group_id" yaml:"group_id"`
	KeepAlive                int    `json:"KEEP_ALIVE" yaml:"KEEP_ALIVE"`
	APIKey                   string `json:"API_KEY" yaml:"API_KEY"`
	EdgePiIP                 string `json:"EDGE_PI_IP,omitempty" yaml:"EDGE_PI_IP"`
}

// TelemetryPayload is one telemetry record produced per controller tick.
type TelemetryPayload struct {
	ConsusID   string    `json:"consus_id"`
	Mode       string    `json:"mode"`
	SourceType string    `json:"source_type"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload"` // register readings, or error text
}

// NewTelemetry builds a telemetry record with the modbus source type.
func NewTelemetry(consusID, mode string, ts time.Time, payload any) TelemetryPayload {
	return TelemetryPayload{
		ConsusID:   consusID,
		Mode:       mode,
		SourceType: "modbus",
		Timestamp:  ts,
		Payload:    payload,
	}
}

// Alert severity and FSM state, as they appear on the wire.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

type AlertFSMState string

const (
	AlertStateActive   AlertFSMState = "ACTIVE"
	AlertStateResolved AlertFSMState = "RESOLVED"
)

// AlertContext is the snapshot captured at the moment an alert activates.
type AlertContext struct {
	Mode  *int     `json:"mode"`
	SOC   *float64 `json:"soc"`
	GridW *int     `json:"grid_w"`
	PVW   *int     `json:"pv_w"`
	BiasW *int     `json:"bias_w"`
}

// RecentTelemetry is one entry of the health monitor's telemetry ring,
// attached to CRITICAL alerts only.
type RecentTelemetry struct {
	TS    string   `json:"ts"` // RFC3339 UTC (Z)
	SOC   *float64 `json:"soc"`
	GridW *int     `json:"grid_w"`
	PVW   *int     `json:"pv_w"`
	Mode  *int     `json:"mode"`
	BiasW *int     `json:"bias_w"`
}

// AlertEvent is the health alert wire shape posted to the backend.
type AlertEvent struct {
	SiteID          string            `json:"site_id"`
	TS              string            `json:"ts"` // RFC3339 UTC (Z)
	Severity        Severity          `json:"severity"`
	Code            string            `json:"code"`
	State           AlertFSMState     `json:"state"`
	EventID         string            `json:"event_id"`
	Count           int               `json:"count"`
	Heartbeat       bool              `json:"heartbeat"`
	Context         AlertContext      `json:"context"`
	RecentTelemetry []RecentTelemetry `json:"recent_telemetry,omitempty"`
	Source          string            `json:"source,omitempty"`
}

// BusEventType enumerates the recognized message-bus envelope types.
type BusEventType string

const (
	BusSettings      BusEventType = "settings"
	BusBatteryConfig BusEventType = "battery_config"
	BusBatteryAdd    BusEventType = "battery_add"
	BusBatteryRemove BusEventType = "battery_remove"
	BusTask          BusEventType = "task"
	BusTestModbus    BusEventType = "test_modbus"
	BusPing          BusEventType = "ping"
)

// BusEvent is the decoded message-bus envelope
// {"type": T, "consus_id"?: string, "data"?: object}.
type BusEvent struct {
	Type     BusEventType    `json:"type"`
	ConsusID string          `json:"consus_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// TaskPayload is the inbound task document routed to the task merger.
// Both static and dynamic tasks arrive in this shape; TaskType selects
// which fields are meaningful.
type TaskPayload struct {
	TaskType          string     `json:"task_type"`
	TaskCode          string     `json:"task_code,omitempty"`
	ServiceDay        string     `json:"service_day,omitempty"` // ISO date, dynamic only
	ChargeWindows     [][]string `json:"charge_windows,omitempty"`
	ChargeWindowStart string     `json:"charge_window_start,omitempty"` // static only
	ChargeWindowEnd   string     `json:"charge_window_end,omitempty"`   // static only
	MaxImportLimit    *float64   `json:"max_import_limit,omitempty"`    // kW
	Override          bool       `json:"override,omitempty"`
	IdempotencyKey    string     `json:"idempotency_key,omitempty"`
	Revision          int        `json:"revision,omitempty"`
	UpdatedAt         string     `json:"updated_at,omitempty"`
}
