package main

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"flag"
	"log"
	mrand "math/rand"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/WanderningMaster/kademlia/configuration"
	"github.com/WanderningMaster/kademlia/internal/endpoint"
	"github.com/WanderningMaster/kademlia/internal/id"
	"github.com/WanderningMaster/kademlia/internal/node"
	"github.com/WanderningMaster/kademlia/internal/rpc"
	"github.com/WanderningMaster/kademlia/internal/service"
	"github.com/WanderningMaster/kademlia/internal/transport"
)

type simNode struct {
	s     *node.Session
	alive bool
}

type metrics struct {
	mu           sync.Mutex
	putOK        int
	putErr       int
	getOK        int
	getErr       int
	getMismatch  int
	putLatencies []time.Duration
	getLatencies []time.Duration
}

func (m *metrics) addPut(lat time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.putErr++
		return
	}
	m.putOK++
	m.putLatencies = append(m.putLatencies, lat)
}

func (m *metrics) addGet(lat time.Duration, err error, mismatch bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.getErr++
		return
	}
	if mismatch {
		m.getMismatch++
	} else {
		m.getOK++
	}
	m.getLatencies = append(m.getLatencies, lat)
}

func pct(durs []time.Duration, p float64) time.Duration {
	if len(durs) == 0 {
		return 0
	}
	cp := append([]time.Duration(nil), durs...)
	slices.Sort(cp)
	idx := max(int(float64(len(cp)-1)*p), 0)
	if idx >= len(cp) {
		idx = len(cp) - 1
	}
	return cp[idx]
}

func avg(durs []time.Duration) time.Duration {
	if len(durs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range durs {
		sum += d
	}
	return time.Duration(int64(sum) / int64(len(durs)))
}

// network owns every session. Its fields are only touched on the poll loop.
type network struct {
	ctx   context.Context
	svc   *service.Service
	nodes []*simNode
}

// do runs fn on the poll loop and waits for it.
func (n *network) do(fn func()) bool {
	done := make(chan struct{})
	n.svc.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return true
	case <-n.ctx.Done():
		return false
	}
}

var (
	anyIPv4 = endpoint.MustNew("0.0.0.0", configuration.DefaultPort)
	anyIPv6 = endpoint.MustNew("::", configuration.DefaultPort)
)

func main() {
	numNodes := flag.Int("nodes", 50, "number of sessions")
	duration := flag.Duration("duration", 20*time.Second, "how long to run")
	workers := flag.Int("workers", 24, "concurrent clients")
	churnEvery := flag.Duration("churn", 4*time.Second, "interval between churn rounds")
	churnBatch := flag.Int("churn-batch", 4, "sessions replaced per churn round")
	loss := flag.Float64("loss", 0, "fraction of messages lost")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mem := transport.NewMemory()
	if *loss > 0 {
		var mu sync.Mutex
		rnd := mrand.New(mrand.NewSource(time.Now().UnixNano()))
		mem.SetDropFilter(func(rpc.Message) bool {
			mu.Lock()
			defer mu.Unlock()
			return rnd.Float64() < *loss
		})
	}
	net := &network{ctx: ctx, svc: service.New(mem), nodes: make([]*simNode, *numNodes)}
	go func() {
		if err := net.svc.Run(ctx); err != nil {
			log.Printf("service stopped: %v", err)
		}
	}()

	var joins sync.WaitGroup
	net.do(func() {
		s, err := node.NewFirstSession(net.svc, anyIPv4, anyIPv6, id.RandomID())
		if err != nil {
			log.Fatalf("first session: %v", err)
		}
		net.nodes[0] = &simNode{s: s, alive: true}
		for i := 1; i < *numNodes; i++ {
			joins.Add(1)
			net.start(i, &joins)
		}
	})
	joins.Wait()
	log.Printf("Bootstrapped %d sessions", *numNodes)

	var kvsMu sync.RWMutex
	kvs := make(map[string][]byte)
	var mx metrics

	stopChurn := make(chan struct{})
	go func() {
		ticker := time.NewTicker(*churnEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stopChurn:
				return
			case <-ticker.C:
				var wg sync.WaitGroup
				net.do(func() {
					victims := net.sampleAlive(*churnBatch)
					for _, i := range victims {
						_ = net.nodes[i].s.Close()
						net.nodes[i].alive = false
					}
					for _, i := range victims {
						wg.Add(1)
						net.start(i, &wg)
					}
					log.Printf("churn: replaced %d sessions", len(victims))
				})
				wg.Wait()
			}
		}
	}()

	end := time.Now().Add(*duration)
	var wg sync.WaitGroup
	for range *workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				// 40% puts, 60% gets
				if mrand.Intn(100) < 40 {
					key, val := randomKey(), randomValue(16, 64)
					errc := make(chan error, 1)
					t0 := time.Now()
					net.do(func() {
						w := net.pickAlive()
						if w < 0 {
							errc <- node.ErrSessionClosed
							return
						}
						net.nodes[w].s.AsyncSave([]byte(key), val, func(err error) { errc <- err })
					})
					var err error
					select {
					case err = <-errc:
					case <-ctx.Done():
						return
					}
					mx.addPut(time.Since(t0), err)
					if err == nil {
						kvsMu.Lock()
						kvs[key] = val
						kvsMu.Unlock()
					}
					continue
				}

				kvsMu.RLock()
				var key string
				for k := range kvs {
					key = k
					break
				}
				want := kvs[key]
				kvsMu.RUnlock()
				if key == "" {
					time.Sleep(10 * time.Millisecond)
					continue
				}
				type result struct {
					data []byte
					err  error
				}
				resc := make(chan result, 1)
				t0 := time.Now()
				net.do(func() {
					r := net.pickAlive()
					if r < 0 {
						resc <- result{err: node.ErrSessionClosed}
						return
					}
					net.nodes[r].s.AsyncLoad([]byte(key), func(data []byte, err error) { resc <- result{data, err} })
				})
				var res result
				select {
				case res = <-resc:
				case <-ctx.Done():
					return
				}
				mismatch := res.err == nil && string(res.data) != string(want)
				mx.addGet(time.Since(t0), res.err, mismatch)
			}
		}()
	}
	wg.Wait()
	close(stopChurn)
	stop()

	log.Printf("--- Simulation Summary ---")
	log.Printf("Puts: ok=%d err=%d", mx.putOK, mx.putErr)
	log.Printf("Gets: ok=%d err=%d mismatch=%d", mx.getOK, mx.getErr, mx.getMismatch)
	log.Printf("Put latency: avg=%v p50=%v p95=%v p99=%v", avg(mx.putLatencies), pct(mx.putLatencies, 0.50), pct(mx.putLatencies, 0.95), pct(mx.putLatencies, 0.99))
	log.Printf("Get latency: avg=%v p50=%v p95=%v p99=%v", avg(mx.getLatencies), pct(mx.getLatencies, 0.50), pct(mx.getLatencies, 0.95), pct(mx.getLatencies, 0.99))
}

// start joins a new session in slot i through a random live session.
func (n *network) start(i int, wg *sync.WaitGroup) {
	peer := n.pickAlive()
	if peer < 0 {
		wg.Done()
		return
	}
	s, err := node.NewSession(n.svc, n.nodes[peer].s.IPv4(), anyIPv4, anyIPv6, id.RandomID(),
		node.WithJoinHandler(func(err error) {
			if err != nil {
				log.Printf("session %d failed to join: %v", i, err)
			} else {
				n.nodes[i].alive = true
			}
			wg.Done()
		}))
	if err != nil {
		log.Printf("session %d: %v", i, err)
		wg.Done()
		return
	}
	n.nodes[i] = &simNode{s: s}
}

func (n *network) pickAlive() int {
	alive := n.alive()
	if len(alive) == 0 {
		return -1
	}
	return alive[mrand.Intn(len(alive))]
}

func (n *network) alive() []int {
	out := make([]int, 0, len(n.nodes))
	for i, sn := range n.nodes {
		if sn != nil && sn.alive {
			out = append(out, i)
		}
	}
	return out
}

func (n *network) sampleAlive(k int) []int {
	alive := n.alive()
	mrand.Shuffle(len(alive), func(i, j int) { alive[i], alive[j] = alive[j], alive[i] })
	// keep at least one session to join through
	if k > len(alive)-1 {
		k = len(alive) - 1
	}
	return alive[:max(k, 0)]
}

func randomKey() string {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		for i := range b {
			b[i] = byte(mrand.Intn(256))
		}
	}
	return "k:" + hex.EncodeToString(b[:])
}

func randomValue(min, max int) []byte {
	if max <= min {
		max = min + 1
	}
	n := min + mrand.Intn(max-min)
	out := make([]byte, n)
	if _, err := crand.Read(out); err != nil {
		for i := range out {
			out[i] = byte(mrand.Intn(256))
		}
	}
	return out
}
