package cache_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bosun-run/bosun/pkg/cache"
)

func TestCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cache Suite")
}

var _ = Describe("FileBackend", func() {
	var (
		dir     string
		backend *cache.FileBackend
		ctx     context.Context
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		var err error
		backend, err = cache.NewFileBackend(dir, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()
	})

	It("returns nil, nil on a missing key", func() {
		data, err := backend.Load(ctx, "missing")
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(BeNil())
	})

	It("debounces writes, landing only after Flush", func() {
		Expect(backend.Save(ctx, "k", []byte(`{"a":1}`))).To(Succeed())
		_, err := os.Stat(filepath.Join(dir, "k.json"))
		Expect(os.IsNotExist(err)).To(BeTrue())

		Expect(backend.Flush("k")).To(Succeed())
		data, err := backend.Load(ctx, "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(MatchJSON(`{"a":1}`))
	})

	It("FlushAll lands every pending write", func() {
		Expect(backend.Save(ctx, "a", []byte(`1`))).To(Succeed())
		Expect(backend.Save(ctx, "b", []byte(`2`))).To(Succeed())
		Expect(backend.FlushAll()).To(Succeed())

		a, _ := backend.Load(ctx, "a")
		b, _ := backend.Load(ctx, "b")
		Expect(a).To(Equal([]byte(`1`)))
		Expect(b).To(Equal([]byte(`2`)))
	})

	It("quarantines a file and prunes old quarantine snapshots", func() {
		path := filepath.Join(dir, "c.json")
		Expect(os.WriteFile(path, []byte("not json"), 0o644)).To(Succeed())

		for i := 0; i < cache.QuarantineKeep()+2; i++ {
			backend.Quarantine("c")
			Expect(os.WriteFile(path, []byte("not json again"), 0o644)).To(Succeed())
		}

		entries, err := os.ReadDir(dir)
		Expect(err).NotTo(HaveOccurred())

		count := 0
		for _, e := range entries {
			if filepath.Ext(e.Name()) != ".json" {
				count++
			}
		}
		Expect(count).To(BeNumerically("<=", cache.QuarantineKeep()))
	})
})

var _ = Describe("RedisBackend", func() {
	It("round-trips through miniredis", func() {
		mr, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		defer mr.Close()

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		backend := cache.NewRedisBackend(client, "bosun:", time.Hour)
		ctx := context.Background()

		Expect(backend.Save(ctx, "x", []byte("hello"))).To(Succeed())
		data, err := backend.Load(ctx, "x")
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("hello")))

		data, err = backend.Load(ctx, "missing")
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(BeNil())
	})
})

var _ = Describe("Map", func() {
	var (
		dir     string
		backend *cache.FileBackend
		ctx     context.Context
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		var err error
		backend, err = cache.NewFileBackend(dir, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()
	})

	It("round-trips a put value", func() {
		m := cache.NewMap[string](backend, "demo", 0, 0, zap.NewNop())
		m.Put(ctx, "id1", "value1", "")
		v, ok := m.Get(ctx, "id1", "")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("value1"))
	})

	It("expires entries past ttl", func() {
		m := cache.NewMap[string](backend, "ttl-demo", time.Millisecond, 0, zap.NewNop())
		m.Put(ctx, "id1", "value1", "")
		time.Sleep(5 * time.Millisecond)
		_, ok := m.Get(ctx, "id1", "")
		Expect(ok).To(BeFalse())
	})

	It("treats a task-version mismatch as a miss", func() {
		m := cache.NewMap[string](backend, "version-demo", 0, 0, zap.NewNop())
		m.Put(ctx, "id1", "value1", "v1")
		_, ok := m.Get(ctx, "id1", "v2")
		Expect(ok).To(BeFalse())
	})

	It("evicts the oldest entry once maxSize is exceeded", func() {
		m := cache.NewMap[int](backend, "bounded-demo", 0, 2, zap.NewNop())
		m.Put(ctx, "first", 1, "")
		time.Sleep(time.Millisecond)
		m.Put(ctx, "second", 2, "")
		time.Sleep(time.Millisecond)
		m.Put(ctx, "third", 3, "")

		Expect(m.Len(ctx)).To(Equal(2))
		_, ok := m.Get(ctx, "first", "")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Named caches", func() {
	var (
		dir     string
		backend *cache.FileBackend
		ctx     context.Context
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		var err error
		backend, err = cache.NewFileBackend(dir, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()
	})

	It("MergedBranchCache is case- and whitespace-insensitive", func() {
		c := cache.NewMergedBranchCache(backend, zap.NewNop())
		c.MarkMerged(ctx, "  Feature/FOO  ")
		Expect(c.IsMerged(ctx, "feature/foo")).To(BeTrue())
		Expect(c.IsMerged(ctx, "feature/bar")).To(BeFalse())
	})

	It("ConflictCooldownCache counts attempts, arms a cooldown, and clears it", func() {
		c := cache.NewConflictCooldownCache(backend, zap.NewNop())
		first := c.RegisterConflict(ctx, "feature/x")
		second := c.RegisterConflict(ctx, "feature/x")
		Expect(second.Attempts).To(Equal(first.Attempts + 1))
		Expect(c.InCooldown(ctx, "feature/x")).To(BeTrue())

		c.Clear(ctx, "feature/x")
		Expect(c.InCooldown(ctx, "feature/x")).To(BeFalse())
	})

	It("EpicMergeCache keys on the head/base pair", func() {
		c := cache.NewEpicMergeCache(backend, zap.NewNop())
		c.MarkMerged(ctx, "epic/a", "main")
		Expect(c.IsMerged(ctx, "epic/a", "main")).To(BeTrue())
		Expect(c.IsMerged(ctx, "epic/a", "develop")).To(BeFalse())
	})

	It("RestartStateCache persists and resets", func() {
		c := cache.NewRestartStateCache(backend, zap.NewNop())
		c.Set(ctx, cache.RestartState{ConsecutiveQuickExits: 3})
		Expect(c.Get(ctx).ConsecutiveQuickExits).To(Equal(3))

		c.Reset(ctx)
		Expect(c.Get(ctx).ConsecutiveQuickExits).To(Equal(0))
	})

	It("StaleStrikeCache increments and resets", func() {
		c := cache.NewStaleStrikeCache(backend, zap.NewNop())
		Expect(c.Increment(ctx, "task-1", "v1")).To(Equal(1))
		Expect(c.Increment(ctx, "task-1", "v1")).To(Equal(2))
		c.Reset(ctx, "task-1")
		Expect(c.Increment(ctx, "task-1", "v1")).To(Equal(1))
	})
})
