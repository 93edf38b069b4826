package main

import (
	"context"
	"log"

	"github.com/mindwell/syncpipe/internal/config"
	"github.com/mindwell/syncpipe/internal/fetcher"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := fetcher.NewApp(ctx, cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)

}
