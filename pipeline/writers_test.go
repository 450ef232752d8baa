package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-prices/models"
)

var capturedAt = time.Date(2025, 11, 4, 13, 9, 13, 0, time.UTC)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return records
}

func TestCSVWriterWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "prices.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}

	obs := []models.PriceObservation{
		{StoreProductID: "sp-1", PriceCLP: 1990, Available: true, CapturedAt: capturedAt},
		{StoreProductID: "sp-2", PriceCLP: 0, Available: false, CapturedAt: capturedAt},
	}
	if err := writer.Write(context.Background(), obs); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	records := readCSV(t, path)
	if len(records) != 3 {
		t.Fatalf("records=%d, want 3", len(records))
	}
	if records[0][0] != "store_product_id" || records[0][2] != "disponible" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	want := []string{"sp-1", "1990", "true", "2025-11-04T13:09:13Z"}
	for i := range want {
		if records[1][i] != want[i] {
			t.Fatalf("row = %v, want %v", records[1], want)
		}
	}
	if records[2][1] != "0" || records[2][2] != "false" {
		t.Fatalf("unavailable row = %v", records[2])
	}
}

func TestCSVWriterAppendsWithoutRepeatingHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.csv")

	for run := 0; run < 2; run++ {
		writer, err := NewCSVWriter(path)
		if err != nil {
			t.Fatalf("create csv writer: %v", err)
		}
		obs := []models.PriceObservation{{StoreProductID: "sp-1", PriceCLP: 990, Available: true, CapturedAt: capturedAt}}
		if err := writer.Write(context.Background(), obs); err != nil {
			t.Fatalf("write csv: %v", err)
		}
		if err := writer.Close(); err != nil {
			t.Fatalf("close csv: %v", err)
		}
	}

	if records := readCSV(t, path); len(records) != 3 {
		t.Fatalf("records=%d, want header plus 2 rows", len(records))
	}
}

func TestJSONWriterWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.jsonl")

	writer, err := NewJSONWriter(path)
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}

	obs := []models.PriceObservation{{StoreProductID: "sp-9", PriceCLP: 12490, Available: true, CapturedAt: capturedAt}}
	if err := writer.Write(context.Background(), obs); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		var decoded map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		if decoded["disponible"] != true || decoded["price_clp"] != float64(12490) {
			t.Fatalf("unexpected record %v", decoded)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan json: %v", err)
	}
	if count != 1 {
		t.Fatalf("json lines=%d, want 1", count)
	}
}

func TestDualWriterWrite(t *testing.T) {
	dir := t.TempDir()

	writer, err := NewDualWriterFromBase(filepath.Join(dir, "prices.csv"))
	if err != nil {
		t.Fatalf("create dual writer: %v", err)
	}

	obs := []models.PriceObservation{{StoreProductID: "sp-1", PriceCLP: 1490, Available: true, CapturedAt: capturedAt}}
	if err := writer.Write(context.Background(), obs); err != nil {
		t.Fatalf("write dual: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close dual: %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, "prices.csv")); err != nil || info.Size() == 0 {
		t.Fatalf("csv file missing or empty")
	}
	if info, err := os.Stat(filepath.Join(dir, "prices.jsonl")); err != nil || info.Size() == 0 {
		t.Fatalf("jsonl file missing or empty")
	}
}
