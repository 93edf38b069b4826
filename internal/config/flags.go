package config

import (
	"flag"
	"os"
	"time"

	"github.com/mindwell/syncpipe/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-n string   NATS URL
//	-j string   JetStream stream name
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-i string   indexer (embedding service) URL
//	-t int      scheduler tick interval, seconds
//	-w int      stuck-claim timeout, minutes
//	-m int      max redeliveries before dead-letter
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-n", "-j", "-u", "-p", "-b", "-g", "-e", "-i", "-t", "-w", "-m"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.NATSURL, "n", config.NATSURL, "NATS URL")
	fs.StringVar(&config.StreamName, "j", config.StreamName, "JetStream stream name")
	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.IndexerURL, "i", config.IndexerURL, "indexer URL")

	tickInterval := fs.Int("t", int(config.TickInterval.Seconds()), "scheduler tick interval (in seconds)")
	stuckTimeout := fs.Int("w", int(config.StuckTimeout.Minutes()), "stuck claim timeout (in minutes)")
	fs.IntVar(&config.MaxDeliver, "m", config.MaxDeliver, "max redeliveries before dead-letter")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.TickInterval = time.Duration(*tickInterval) * time.Second
	config.StuckTimeout = time.Duration(*stuckTimeout) * time.Minute
}
