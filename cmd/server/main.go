package main

import (
	"context"
	"log"

	"github.com/ransaradev/ransgpt/internal/config"
	"github.com/ransaradev/ransgpt/internal/db"
	"github.com/ransaradev/ransgpt/internal/httpapi"
	"github.com/ransaradev/ransgpt/internal/httpapi/handlers"
	"github.com/ransaradev/ransgpt/internal/knowledge"
	"github.com/ransaradev/ransgpt/internal/store/rabbitmq"
	"github.com/ransaradev/ransgpt/internal/store/redisstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	gdb := db.Connect(cfg.DBDSN)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := rds.Ping(context.Background()); err != nil {
		log.Printf("redis unreachable, guest history disabled: %v", err)
	}

	kb, err := knowledge.Load(cfg.KnowledgeFile)
	if err != nil {
		log.Fatalf("knowledge: %v", err)
	}
	log.Printf("knowledge base loaded entries=%d", kb.Len())

	// Async generation is optional; the server runs without a broker.
	var rabbit handlers.JobPublisher
	if pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		log.Printf("rabbit unreachable, async chat disabled: %v", err)
	} else {
		defer pub.Close()
		rabbit = pub
	}

	r := httpapi.NewRouter(gdb, cfg, rds, rabbit, kb)

	log.Printf("server listening addr=%s", cfg.Addr)
	if err := r.Run(cfg.Addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
