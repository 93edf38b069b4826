package main

import (
	"context"
	"log"

	"github.com/mindwell/syncpipe/internal/config"
	"github.com/mindwell/syncpipe/internal/scheduler"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := scheduler.NewApp(ctx, cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)

}
