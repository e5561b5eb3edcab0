package cache_test

import (
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hazz-dev/pingboard/internal/cache"
	"github.com/hazz-dev/pingboard/internal/status"
)

func record(id string, st status.Status, cycle uint64) status.Record {
	ms := float64(cycle)
	rec := status.Record{
		TargetID:  id,
		Name:      id,
		Status:    st,
		Timestamp: time.Unix(int64(cycle), 0),
		Cycle:     cycle,
	}
	if st != status.Down {
		rec.LatencyMs = &ms
	}
	return rec
}

var _ = Describe("Cache", func() {
	var c *cache.Cache

	BeforeEach(func() {
		c = cache.New()
	})

	Describe("New", func() {
		It("starts empty at cycle zero", func() {
			snap := c.Get()
			Expect(snap.Len()).To(Equal(0))
			Expect(snap.Cycle()).To(BeZero())
			Expect(snap.CommittedAt().IsZero()).To(BeTrue())
		})
	})

	Describe("Update", func() {
		It("publishes a single record", func() {
			c.Update("google", record("google", status.Good, 1))

			rec, ok := c.Get().Lookup("google")
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal(status.Good))
		})

		It("keeps other entries", func() {
			c.Update("google", record("google", status.Good, 1))
			c.Update("github", record("github", status.Down, 1))

			Expect(c.Get().Len()).To(Equal(2))
		})

		It("does not change snapshots already handed out", func() {
			c.Update("google", record("google", status.Good, 1))
			before := c.Get()

			c.Update("google", record("google", status.Low, 2))

			rec, _ := before.Lookup("google")
			Expect(rec.Status).To(Equal(status.Good))
			rec, _ = c.Get().Lookup("google")
			Expect(rec.Status).To(Equal(status.Low))
		})
	})

	Describe("Commit", func() {
		It("publishes a whole cycle and stamps the cycle number", func() {
			c.Commit(1, []status.Record{
				record("a", status.Good, 1),
				record("b", status.Low, 1),
				record("c", status.Down, 1),
			})

			snap := c.Get()
			Expect(snap.Cycle()).To(Equal(uint64(1)))
			Expect(snap.CommittedAt().IsZero()).To(BeFalse())
			Expect(snap.Len()).To(Equal(3))
			Expect(snap.Records()).To(HaveKey("c"))
		})

		It("leaves the cycle and commit time of earlier snapshots alone", func() {
			c.Commit(1, []status.Record{record("a", status.Good, 1)})
			first := c.Get()
			committed := first.CommittedAt()

			c.Commit(2, []status.Record{record("a", status.Low, 2)})

			Expect(first.Cycle()).To(Equal(uint64(1)))
			Expect(first.CommittedAt()).To(Equal(committed))
			Expect(c.Get().Cycle()).To(Equal(uint64(2)))
			Expect(c.Get().CommittedAt().Before(committed)).To(BeFalse())
		})

		It("never removes entries missing from a later cycle", func() {
			c.Commit(1, []status.Record{record("a", status.Good, 1), record("b", status.Good, 1)})
			c.Commit(2, []status.Record{record("a", status.Low, 2)})

			snap := c.Get()
			Expect(snap.Len()).To(Equal(2))
			b, ok := snap.Lookup("b")
			Expect(ok).To(BeTrue())
			Expect(b.Cycle).To(Equal(uint64(1)))
		})

		It("returns copies from Records", func() {
			c.Commit(1, []status.Record{record("a", status.Good, 1)})
			recs := c.Get().Records()
			delete(recs, "a")

			Expect(c.Get().Len()).To(Equal(1))
		})
	})

	Describe("concurrent readers", func() {
		It("never observe a partially committed cycle", func() {
			const targets = 20
			const cycles = 200

			var wg sync.WaitGroup
			stop := make(chan struct{})
			torn := make(chan string, 1)

			for r := 0; r < 4; r++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for {
						select {
						case <-stop:
							return
						default:
						}
						snap := c.Get()
						for _, rec := range snap.Records() {
							if rec.Cycle != snap.Cycle() {
								select {
								case torn <- fmt.Sprintf("record cycle %d in snapshot %d", rec.Cycle, snap.Cycle()):
								default:
								}
								return
							}
						}
					}
				}()
			}

			for n := uint64(1); n <= cycles; n++ {
				recs := make([]status.Record, targets)
				for i := range recs {
					recs[i] = record(fmt.Sprintf("t%d", i), status.Good, n)
				}
				c.Commit(n, recs)
			}
			close(stop)
			wg.Wait()

			Expect(torn).NotTo(Receive())
			Expect(c.Get().Cycle()).To(Equal(uint64(cycles)))
		})
	})
})
