// Copyright 2017 Google Inc.
// Copyright 2020 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package k8s watches LoadBalancer Services and turns them into VIP
// events.
package k8s

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/workqueue"

	"github.com/lbinternode/lb-inter-node-exporter/internal/logging"
	"github.com/lbinternode/lb-inter-node-exporter/internal/otel"
	"github.com/lbinternode/lb-inter-node-exporter/internal/vip"
	apiv1 "github.com/lbinternode/lb-inter-node-exporter/pkg/apis/v1"
)

var tracer = otel.Tracer("k8s")

// Sink receives the VIP events that the Client produces.
type Sink interface {
	Push(ctx context.Context, ev vip.Event) error
}

// Client watches a Kubernetes cluster and translates Service events
// into VIP events.
type Client struct {
	logger log.Logger

	client kubernetes.Interface
	sink   Sink
	ready  func(bool, string)

	syncTimeout time.Duration

	queue       workqueue.TypedRateLimitingInterface[queueItem]
	svcIndexer  cache.Indexer
	svcInformer cache.Controller

	// shuttingDown is set when the run context is done, so API calls
	// use shorter timeouts to allow graceful shutdown.
	shuttingDown atomic.Bool

	// hasSynced is set once a run has finished its initial list.
	hasSynced atomic.Bool

	// emitted holds the keys of Services that we've sent an Add for
	// and haven't retracted yet. It survives restarts so Services
	// deleted while we weren't watching still get a Delete. Only the
	// run loop touches it.
	emitted map[string]struct{}
}

// SyncState is the result of processing one queue item.
type SyncState int

const (
	// SyncStateSuccess indicates that the update succeeded.
	SyncStateSuccess SyncState = iota
	// SyncStateError indicates that the update caused a transient error
	// and the k8s client should retry later.
	SyncStateError
	// SyncStateFatal indicates that the event consumer is gone and the
	// client should stop.
	SyncStateFatal
)

// Config specifies the configuration of the Kubernetes
// client/watcher.
type Config struct {
	Logger     log.Logger
	Kubeconfig string

	// Clientset, if set, is used instead of building one from
	// Kubeconfig.
	Clientset kubernetes.Interface

	Sink Sink

	// Ready is told whether the watcher has a synced view of the
	// cluster.
	Ready func(bool, string)

	// SyncTimeout bounds the initial list. Zero means two minutes.
	SyncTimeout time.Duration
}

// queueItem is a union type for items that can be added to the work queue.
// Using an interface with a marker method provides compile-time type safety
// with the TypedRateLimitingQueue.
type queueItem interface {
	isQueueItem()
}

type svcKey string

func (svcKey) isQueueItem() {}

type synced string

func (synced) isQueueItem() {}

// New connects to the cluster, using kubeconfig to authenticate. An
// empty kubeconfig means in-cluster config.
func New(cfg *Config) (*Client, error) {
	clientset := cfg.Clientset
	if clientset == nil {
		k8sConfig, err := clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("building client config: %w", err)
		}
		k8sConfig.UserAgent = apiv1.ServiceName
		cs, err := kubernetes.NewForConfig(k8sConfig)
		if err != nil {
			return nil, fmt.Errorf("creating Kubernetes client: %w", err)
		}
		clientset = cs
	}
	if cfg.Sink == nil {
		return nil, errors.New("no event sink")
	}

	ready := cfg.Ready
	if ready == nil {
		ready = func(bool, string) {}
	}

	syncTimeout := cfg.SyncTimeout
	if syncTimeout == 0 {
		syncTimeout = 2 * time.Minute
	}

	return &Client{
		logger:      cfg.Logger,
		client:      clientset,
		sink:        cfg.Sink,
		ready:       ready,
		syncTimeout: syncTimeout,
		emitted:     map[string]struct{}{},
	}, nil
}

// apiContext returns a context with an appropriate timeout for API calls.
// During normal operation, a 10-second timeout is used. During shutdown,
// a much shorter 500ms timeout is used to ensure graceful termination.
func (c *Client) apiContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.shuttingDown.Load() {
		return context.WithTimeout(context.Background(), 500*time.Millisecond)
	}
	return context.WithTimeout(ctx, 10*time.Second)
}

// watchServices builds a fresh queue and Service informer. Each run
// gets its own so a restart starts from a clean list.
func (c *Client) watchServices(ctx context.Context) {
	queue := workqueue.NewTypedRateLimitingQueue[queueItem](workqueue.DefaultTypedControllerRateLimiter[queueItem]())
	c.queue = queue

	svcHandlers := cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			key, err := cache.MetaNamespaceKeyFunc(obj)
			if err == nil {
				queue.Add(svcKey(key))
			}
		},
		UpdateFunc: func(old interface{}, new interface{}) {
			key, err := cache.MetaNamespaceKeyFunc(new)
			if err == nil {
				queue.Add(svcKey(key))
			}
		},
		DeleteFunc: func(obj interface{}) {
			key, err := cache.DeletionHandlingMetaNamespaceKeyFunc(obj)
			if err == nil {
				queue.Add(svcKey(key))
			}
		},
	}
	svcWatcher := &cache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			return c.client.CoreV1().Services(corev1.NamespaceAll).List(ctx, opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			return c.client.CoreV1().Services(corev1.NamespaceAll).Watch(ctx, opts)
		},
	}
	c.svcIndexer, c.svcInformer = cache.NewIndexerInformer(svcWatcher, &corev1.Service{}, 0, svcHandlers, cache.Indexers{})
}

// Run watches Services until ctx is done. It returns an error if the
// initial sync fails or the event sink is closed.
func (c *Client) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service watcher panic: %v", r)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	defer func() {
		cancel()
		<-stopped
	}()

	c.shuttingDown.Store(false)
	c.hasSynced.Store(false)
	c.watchServices(ctx)
	queue := c.queue

	go func() {
		c.svcInformer.Run(ctx.Done())
		close(stopped)
	}()

	syncCtx, syncCancel := context.WithTimeout(ctx, c.syncTimeout)
	ok := cache.WaitForCacheSync(syncCtx.Done(), c.svcInformer.HasSynced)
	syncCancel()
	if !ok {
		queue.ShutDown()
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("timed out waiting for cache sync")
	}

	queue.Add(synced(""))

	go func() {
		<-ctx.Done()
		c.shuttingDown.Store(true) // Signal API calls to use short timeouts
		queue.ShutDown()
	}()

	for {
		key, quit := c.queue.Get()
		if quit {
			return nil
		}
		updates.Inc()
		st := c.sync(ctx, key)
		switch st {
		case SyncStateSuccess:
			c.queue.Forget(key)
		case SyncStateError:
			updateErrors.Inc()
			c.queue.AddRateLimited(key)
		case SyncStateFatal:
			return fmt.Errorf("sending vip events: %w", vip.ErrQueueClosed)
		}
	}
}

func (c *Client) sync(ctx context.Context, key queueItem) SyncState {
	defer c.queue.Done(key)

	switch k := key.(type) {
	case svcKey:
		return c.syncService(ctx, string(k))

	case synced:
		c.hasSynced.Store(true)
		c.ready(true, "")
		logging.Info(c.logger, "op", "sync", "msg", "service watch synced")

		// Services that went away while we weren't watching
		for name := range c.emitted {
			if _, exists, _ := c.svcIndexer.GetByKey(name); !exists {
				c.queue.Add(svcKey(name))
			}
		}
		return SyncStateSuccess

	default:
		panic(fmt.Errorf("unknown key type for %#v (%T)", key, key))
	}
}

func (c *Client) syncService(ctx context.Context, svcName string) SyncState {
	ctx, span := tracer.Start(ctx, "service.sync")
	defer span.End()
	span.SetAttributes(attribute.String("service", svcName))

	l := log.With(c.logger, "service", svcName)

	// there are two "special" services: "kubernetes" and
	// "kube-dns". We don't care about them so we don't want them
	// generating log spam.
	if svcName == "default/kubernetes" || svcName == "kube-system/kube-dns" {
		return SyncStateSuccess
	}

	namespace, name, err := cache.SplitMetaNamespaceKey(svcName)
	if err != nil {
		logging.Warn(l, "op", "getService", "error", err, "msg", "bad service key")
		return SyncStateSuccess
	}

	// The informer only tells us that something changed. The API
	// server has the current state.
	apiCtx, cancel := c.apiContext(ctx)
	svc, err := c.client.CoreV1().Services(namespace).Get(apiCtx, name, metav1.GetOptions{})
	cancel()

	var ev vip.Event
	switch {
	case apierrors.IsNotFound(err):
		ev = vip.DeleteEvent(namespace, name)
	case err != nil:
		logging.Warn(l, "op", "getService", "error", err, "msg", "failed to get service, skipping")
		span.SetStatus(codes.Error, err.Error())
		updateErrors.Inc()
		return SyncStateSuccess
	default:
		addr, ok := lbAddress(svc)
		if ok {
			ev = vip.AddEvent(namespace, name, addr)
		} else if _, tracked := c.emitted[svcName]; tracked {
			ev = vip.DeleteEvent(namespace, name)
		} else {
			return SyncStateSuccess
		}
	}
	span.SetAttributes(attribute.String("op", ev.Op.String()))

	if err := c.sink.Push(ctx, ev); err != nil {
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, vip.ErrQueueClosed):
			logging.Error(l, "op", "push", "error", err, "msg", "vip event consumer is gone")
			return SyncStateFatal
		case ctx.Err() != nil:
			return SyncStateSuccess
		}
		logging.Warn(l, "op", "push", "event", ev, "error", err, "msg", "failed to queue vip event, will retry")
		return SyncStateError
	}

	if ev.Op == vip.Add {
		c.emitted[svcName] = struct{}{}
	} else {
		delete(c.emitted, svcName)
	}
	logging.Debug(l, "op", "push", "event", ev, "msg", "queued vip event")
	return SyncStateSuccess
}

// lbAddress returns the VIP of svc if svc is a LoadBalancer whose
// external traffic can be forwarded between nodes. Only the first
// ingress entry is considered.
func lbAddress(svc *corev1.Service) (netip.Addr, bool) {
	if svc.Spec.Type != corev1.ServiceTypeLoadBalancer {
		return netip.Addr{}, false
	}
	if svc.Spec.ExternalTrafficPolicy == corev1.ServiceExternalTrafficPolicyLocal {
		return netip.Addr{}, false
	}
	if len(svc.Status.LoadBalancer.Ingress) == 0 {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(svc.Status.LoadBalancer.Ingress[0].IP)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
