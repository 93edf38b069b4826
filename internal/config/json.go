package config

import (
	"encoding/json"
	"os"

	"github.com/mindwell/syncpipe/internal/flagx"
	"github.com/mindwell/syncpipe/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "60s" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON
// configuration files. After unmarshalling, its set fields are copied into
// the runtime Config struct which uses time.Duration.
type JsonConfig struct {
	DatabaseDSN          string         `json:"database_dsn"`
	NATSURL              string         `json:"nats_url"`
	StreamName           string         `json:"stream_name"`
	S3RootUser           string         `json:"s3_root_user"`
	S3RootPassword       string         `json:"s3_root_password"`
	S3Bucket             string         `json:"s3_bucket"`
	S3Region             string         `json:"s3_region"`
	S3BaseEndpoint       string         `json:"s3_base_endpoint"`
	TickInterval         timex.Duration `json:"tick_interval"`
	SweepInterval        timex.Duration `json:"sweep_interval"`
	StuckTimeout         timex.Duration `json:"stuck_timeout"`
	OutboxDrainInterval  timex.Duration `json:"outbox_drain_interval"`
	MaxDeliver           int            `json:"max_deliver"`
	CallTimeout          timex.Duration `json:"call_timeout"`
	DownloadWorkers      int            `json:"download_workers"`
	IndexerURL           string         `json:"indexer_url"`
	IndexerAuthToken     string         `json:"indexer_auth_token"`
	AllFailedBatchStatus string         `json:"all_failed_batch_status"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path is taken from the -c or -config flags; if
// neither is set, no JSON file is loaded. Zero-valued JSON fields leave the
// corresponding defaults untouched. Unreadable or invalid files panic: a
// half-applied config is worse than a crash at startup.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.NATSURL, c.NATSURL)
	setString(&config.StreamName, c.StreamName)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.IndexerURL, c.IndexerURL)
	setString(&config.IndexerAuthToken, c.IndexerAuthToken)
	setString(&config.AllFailedBatchStatus, c.AllFailedBatchStatus)

	if c.TickInterval != 0 {
		config.TickInterval = c.TickInterval.Std()
	}
	if c.SweepInterval != 0 {
		config.SweepInterval = c.SweepInterval.Std()
	}
	if c.StuckTimeout != 0 {
		config.StuckTimeout = c.StuckTimeout.Std()
	}
	if c.OutboxDrainInterval != 0 {
		config.OutboxDrainInterval = c.OutboxDrainInterval.Std()
	}
	if c.CallTimeout != 0 {
		config.CallTimeout = c.CallTimeout.Std()
	}
	if c.MaxDeliver != 0 {
		config.MaxDeliver = c.MaxDeliver
	}
	if c.DownloadWorkers != 0 {
		config.DownloadWorkers = c.DownloadWorkers
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
