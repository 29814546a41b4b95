package sync_test

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkDrain(b *testing.B) {
	ctx := context.Background()

	for _, size := range []int{10, 100} {
		b.Run(fmt.Sprintf("%djobs", size), func(b *testing.B) {
			h := newHarness(b)
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				b.StopTimer()
				h.remote.SetOffline(true)
				for j := 0; j < size; j++ {
					if _, err := h.repo.Create(ctx, fmt.Sprintf("note %d", j), ""); err != nil {
						b.Fatal(err)
					}
				}
				h.remote.SetOffline(false)
				b.StartTimer()

				report, err := h.worker.Drain(ctx)
				if err != nil {
					b.Fatal(err)
				}
				if report.Succeeded != size {
					b.Fatalf("synced %d of %d", report.Succeeded, size)
				}
			}
		})
	}
}
