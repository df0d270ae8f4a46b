package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"

	"github.com/brannt/wallet/internal/config"
	"github.com/brannt/wallet/internal/database"
	mW "github.com/brannt/wallet/internal/middleware"
	"github.com/brannt/wallet/internal/services"
	"github.com/brannt/wallet/internal/wallet"
)

func main() {
	config.Load()

	db, err := database.InitDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	topupAccountID := config.TopupAccountID()
	if err := database.InitSchema(db, topupAccountID); err != nil {
		log.Fatalf("Failed to bootstrap schema: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	accounts := wallet.NewAccountStore(db)
	ledger := wallet.NewLedger(db, accounts, topupAccountID)

	authService := services.NewAuthService(accounts, redisClient)
	transactionService := services.NewTransactionService(ledger)

	mW.InitAuthMiddleware(redisClient)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/account", authService.GetAccount)

			r.Get("/transactions", transactionService.ListTransactions)
			r.Get("/transactions/{transactionID}", transactionService.GetTransaction)
			r.Put("/transactions/{transactionID}", transactionService.CreateTransaction)
		})
	})

	port := viper.GetString("server.port")

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
