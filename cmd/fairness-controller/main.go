/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	v1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/record"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/cuemby/fairness-control/pkg/events"
	"github.com/cuemby/fairness-control/pkg/executor"
	"github.com/cuemby/fairness-control/pkg/fallback"
	"github.com/cuemby/fairness-control/pkg/log"
	"github.com/cuemby/fairness-control/pkg/metrics"
	"github.com/cuemby/fairness-control/pkg/options"
	"github.com/cuemby/fairness-control/pkg/orchestrator"
	"github.com/cuemby/fairness-control/pkg/planner"
	"github.com/cuemby/fairness-control/pkg/profile"
	"github.com/cuemby/fairness-control/pkg/releaser"
	"github.com/cuemby/fairness-control/pkg/watcher"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var opts = options.Defaults

var rootCmd = &cobra.Command{
	Use:   "fairness-controller",
	Short: "Fairness-aware eviction controller for a serverless-style container platform",
	Long: `fairness-controller watches for Pending, unschedulable pods and, when the
trigger service is running fewer pods than its max_container, evicts a
lower-priority victim service's pods to free capacity, falling back to a
self-limiting quota shrink when no feasible eviction plan exists.`,
	RunE: run,
}

func init() {
	fs := options.FlagSet(&opts)
	rootCmd.Flags().AddGoFlagSet(fs)
}

func run(cmd *cobra.Command, args []string) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	zapLogger, err := log.NewZap(opts.Debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer zapLogger.Sync() //nolint:errcheck
	logger := log.FromZap(zapLogger)

	ctx := log.IntoContext(context.Background(), logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clientset, err := loadKubernetesCredentials(opts.KubeconfigPath)
	if err != nil {
		return fmt.Errorf("loading cluster credentials: %w", err)
	}
	metrics.RegisterClientMetrics(crmetrics.Registry)

	orchestratorClient, err := orchestrator.NewFromCredentials(opts.KubeconfigPath)
	if err != nil {
		return fmt.Errorf("building orchestrator client: %w", err)
	}

	store, err := profile.Open(opts.ProfileStorePath)
	if err != nil {
		return fmt.Errorf("opening profile store: %w", err)
	}
	defer store.Close()

	metrics.MustRegister()

	eventBroadcaster := record.NewBroadcaster()
	eventBroadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{Interface: clientset.CoreV1().Events("")})
	recorder := events.NewRecorder(eventBroadcaster.NewRecorder(scheme.Scheme, v1.EventSource{Component: "fairness-controller"}))
	// The releaser gets its own Recorder so de-duplication state stays per worker.
	releaserRecorder := events.NewRecorder(eventBroadcaster.NewRecorder(scheme.Scheme, v1.EventSource{Component: "fairness-controller"}))

	pl := planner.New(store, orchestratorClient)
	ex := executor.New(orchestratorClient, recorder, opts.QuotaObjectName, opts.EvictionGracePeriod)
	fb := fallback.New(orchestratorClient, store, recorder, opts.QuotaObjectName)

	w := watcher.New(orchestratorClient, store, pl, ex, fb, recorder,
		opts.InFlightTimeout, opts.PrintRepeatInterval, opts.StreamIdleTimeout, opts.ReconnectBackoff)
	rl := releaser.New(orchestratorClient, store, releaserRecorder, opts.QuotaObjectName,
		opts.StreamIdleTimeout, opts.ReconnectBackoff)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		rl.Run(ctx)
	}()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.MetricsPort),
		Handler: promhttp.HandlerFor(crmetrics.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Info("serving metrics", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "metrics server exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	cancel()
	_ = metricsServer.Shutdown(context.Background())
	wg.Wait()
	return nil
}

func loadKubernetesCredentials(kubeconfigPath string) (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("loading kube config: %w", err)
		}
	}
	return kubernetes.NewForConfig(cfg)
}
