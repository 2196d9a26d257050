package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/rl1809/wholesale-allocation/internal/adapter/handler"
	"github.com/rl1809/wholesale-allocation/internal/adapter/storage"
	"github.com/rl1809/wholesale-allocation/internal/core/domain"
	"github.com/rl1809/wholesale-allocation/pkg/config"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base url")
	productID := flag.String("product", "stress-item", "product to order")
	stock := flag.Int("stock", 20, "units received before the run")
	requests := flag.Int("requests", 50, "concurrent single-unit orders")
	flag.Parse()

	ctx := context.Background()
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.DB.AutoMigrate = false

	// Products are mirrored from the catalog, so the run seeds one directly.
	store, err := storage.Open(ctx, cfg.DB)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	err = store.UpsertProduct(ctx, domain.Product{
		ID:        *productID,
		BasePrice: decimal.NewFromInt(10),
		TaxRate:   decimal.Zero,
		UnitCount: 1,
	})
	store.Close()
	if err != nil {
		log.Fatalf("failed to seed product: %v", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	if _, err := call(client, http.MethodPost, *addr+"/api/inventory/batches", handler.ReceiveBatchRequest{
		ProductID: *productID,
		Capacity:  *stock,
	}, nil); err != nil {
		log.Fatalf("failed to receive batch: %v", err)
	}

	var before handler.StockLevelResponse
	if _, err := call(client, http.MethodGet, *addr+"/api/inventory/"+*productID, nil, &before); err != nil {
		log.Fatalf("failed to read stock: %v", err)
	}

	var successCount, rejectedCount, errorCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			status, err := call(client, http.MethodPost, *addr+"/api/orders", handler.PlaceOrderRequest{
				Lines: []handler.LineDTO{{ProductID: *productID, Quantity: 1}},
			}, nil)
			switch {
			case err == nil && status == http.StatusCreated:
				successCount.Add(1)
			case status == http.StatusConflict:
				rejectedCount.Add(1)
			default:
				errorCount.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	var after handler.StockLevelResponse
	if _, err := call(client, http.MethodGet, *addr+"/api/inventory/"+*productID, nil, &after); err != nil {
		log.Fatalf("failed to read stock: %v", err)
	}

	success := int(successCount.Load())
	expectedSuccess := min(before.Total, *requests)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Stock Before:     %d\n", before.Total)
	fmt.Printf("Total Requests:   %d\n", *requests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Rejected:         %d\n", rejectedCount.Load())
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Stock After:      %d\n", after.Total)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	if success != expectedSuccess {
		fmt.Printf("FAIL: expected %d orders to succeed, got %d\n", expectedSuccess, success)
		failed = true
	}
	if after.Total != before.Total-success {
		fmt.Printf("FAIL: stock moved by %d for %d orders\n", before.Total-after.Total, success)
		failed = true
	}
	if failed {
		os.Exit(1)
	}
	fmt.Println("PASS: no oversell, stock matches placed orders")
}

func call(client *http.Client, method, url string, body, out any) (int, error) {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequest(method, url, &payload)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var env handler.ErrorEnvelope
		_ = json.NewDecoder(resp.Body).Decode(&env)
		return resp.StatusCode, fmt.Errorf("%s %s: %d %s", method, url, resp.StatusCode, env.Error.Code)
	}
	if out == nil {
		return resp.StatusCode, nil
	}

	envelope := handler.SuccessEnvelope{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}
