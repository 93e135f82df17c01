package database

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
)

// setupBenchDB seeds one owner with the given number of entities,
// three observations each, and a chain of relations between them.
func setupBenchDB(b *testing.B, ownerID string, entityCount int) *DB {
	b.Helper()

	db, err := NewDBWithLogger("file::memory:?cache=shared", slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		b.Fatal(err)
	}

	ctx := context.Background()

	entities := make([]Entity, entityCount)
	for i := 0; i < entityCount; i++ {
		entities[i] = Entity{
			Name:       fmt.Sprintf("entity_%d", i),
			EntityType: fmt.Sprintf("type_%d", i%10),
			Observations: []string{
				fmt.Sprintf("observation_1_for_entity_%d", i),
				fmt.Sprintf("observation_2_for_entity_%d", i),
				fmt.Sprintf("test data with searchable content %d", i),
			},
		}
	}

	batchSize := 100
	for i := 0; i < len(entities); i += batchSize {
		end := i + batchSize
		if end > len(entities) {
			end = len(entities)
		}
		if _, err := db.CreateEntities(ctx, ownerID, entities[i:end]); err != nil {
			b.Fatal(err)
		}
	}

	relations := []Relation{}
	for i := 0; i < entityCount/2; i++ {
		relations = append(relations, Relation{
			From:         fmt.Sprintf("entity_%d", i),
			To:           fmt.Sprintf("entity_%d", (i+1)%entityCount),
			RelationType: "connects_to",
		})
	}
	for i := 0; i < len(relations); i += batchSize {
		end := i + batchSize
		if end > len(relations) {
			end = len(relations)
		}
		if _, err := db.CreateRelations(ctx, ownerID, relations[i:end]); err != nil {
			b.Fatal(err)
		}
	}

	return db
}

func BenchmarkReadGraph(b *testing.B) {
	sizes := []int{10, 100, 1000}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("size_%d", size), func(b *testing.B) {
			db := setupBenchDB(b, "bench", size)
			defer db.Close()

			ctx := context.Background()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				graph, err := db.ReadGraph(ctx, "bench")
				if err != nil {
					b.Fatal(err)
				}
				if len(graph.Entities) != size {
					b.Fatalf("expected %d entities, got %d", size, len(graph.Entities))
				}
			}
		})
	}
}

func BenchmarkSearchNodes(b *testing.B) {
	sizes := []int{100, 1000, 5000}
	queries := []string{"test", "entity", "observation", "content"}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("size_%d", size), func(b *testing.B) {
			db := setupBenchDB(b, "bench", size)
			defer db.Close()

			ctx := context.Background()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				query := queries[i%len(queries)]
				if _, err := db.SearchNodes(ctx, "bench", query); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkCreateEntities(b *testing.B) {
	batchSizes := []int{1, 10, 100}

	for _, batchSize := range batchSizes {
		b.Run(fmt.Sprintf("batch_%d", batchSize), func(b *testing.B) {
			db, err := NewDBWithLogger("file::memory:?cache=shared", slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
			if err != nil {
				b.Fatal(err)
			}
			defer db.Close()

			ctx := context.Background()

			entities := make([]Entity, batchSize)
			for i := 0; i < batchSize; i++ {
				entities[i] = Entity{
					EntityType: "benchmark_type",
					Observations: []string{
						"observation_1",
						"observation_2",
					},
				}
			}

			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				// Fresh names per iteration so inserts never conflict.
				for j := 0; j < batchSize; j++ {
					entities[j].Name = fmt.Sprintf("entity_%d_%d", i, j)
				}

				if _, err := db.CreateEntities(ctx, "bench", entities); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkOpenNodes(b *testing.B) {
	db := setupBenchDB(b, "bench", 1000)
	defer db.Close()

	ctx := context.Background()
	nodeCounts := []int{1, 10, 50}

	for _, count := range nodeCounts {
		b.Run(fmt.Sprintf("nodes_%d", count), func(b *testing.B) {
			names := make([]string, count)
			for i := 0; i < count; i++ {
				names[i] = fmt.Sprintf("entity_%d", i*10)
			}

			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				entities, err := db.OpenNodes(ctx, "bench", names)
				if err != nil {
					b.Fatal(err)
				}
				if len(entities) != count {
					b.Fatalf("expected %d entities, got %d", count, len(entities))
				}
			}
		})
	}
}

// BenchmarkReadGraphIsolation measures the per-owner filter with other
// tenants' data present in the same tables.
func BenchmarkReadGraphIsolation(b *testing.B) {
	db := setupBenchDB(b, "bench", 1000)
	defer db.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		owner := fmt.Sprintf("noise_%d", i)
		entities := make([]Entity, 200)
		for j := range entities {
			entities[j] = Entity{Name: fmt.Sprintf("noise_entity_%d", j), EntityType: "noise"}
		}
		if _, err := db.CreateEntities(ctx, owner, entities); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		graph, err := db.ReadGraph(ctx, "bench")
		if err != nil {
			b.Fatal(err)
		}
		if len(graph.Entities) != 1000 {
			b.Fatalf("expected 1000 entities, got %d", len(graph.Entities))
		}
	}
}
