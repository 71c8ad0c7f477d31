package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sitetrace/scanrelay/pkg/common/config"
	"github.com/sitetrace/scanrelay/pkg/common/logger"
	"github.com/sitetrace/scanrelay/pkg/relay"
	"golang.org/x/oauth2/clientcredentials"
)

// KeyPrefix namespaces heartbeat keys in the device status cache.
const KeyPrefix = "device:health:"

// Heartbeat is the periodic device status report. It mirrors the kiosk
// health upload: identity, position in the fleet, and relay pipeline
// counters instead of raw reader state, which lives with the producer.
type Heartbeat struct {
	DeviceID   string `json:"deviceId"`
	UserName   string `json:"userName"`
	MacAddress string `json:"macAddress"`
	QueueDepth int    `json:"queueDepth"`
	Accepted   int64  `json:"accepted"`
	Rejected   int64  `json:"rejected"`
	Published  int64  `json:"published"`
	Dropped    int64  `json:"dropped"`
	DateTime   string `json:"dateTime"`
}

// PipelineStats supplies the relay-side counters for a heartbeat.
type PipelineStats func() (relay.QueueStats, int64, int64)

// Reporter periodically posts a heartbeat to the fleet health endpoint and
// mirrors it into Redis for the ingest service's device status route. Both
// sinks are best effort; a failed report is logged and the next tick tries
// again.
type Reporter struct {
	url      string
	interval time.Duration
	deviceID string
	userName string
	mac      string

	client *http.Client
	cache  *redis.Client
	stats  PipelineStats
}

func NewReporter(cfg *config.Config, cache *redis.Client, stats PipelineStats) *Reporter {
	r := &Reporter{
		url:      cfg.HealthURL,
		interval: cfg.HealthInterval,
		deviceID: cfg.DeviceID,
		userName: cfg.UserName,
		mac:      macAddress(),
		cache:    cache,
		stats:    stats,
	}

	if cfg.HealthURL != "" && cfg.HealthTokenURL != "" && cfg.HealthClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.HealthClientID,
			ClientSecret: cfg.HealthClientSecret,
			TokenURL:     cfg.HealthTokenURL,
		}
		if cfg.HealthAudience != "" {
			cc.EndpointParams = url.Values{"audience": {cfg.HealthAudience}}
		}
		r.client = cc.Client(context.Background())
	} else if cfg.HealthURL != "" {
		r.client = &http.Client{Timeout: 10 * time.Second}
	}

	return r
}

func (r *Reporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.report(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	queue, published, dropped := r.stats()
	hb := Heartbeat{
		DeviceID:   r.deviceID,
		UserName:   r.userName,
		MacAddress: r.mac,
		QueueDepth: queue.Depth,
		Accepted:   queue.Accepted,
		Rejected:   queue.Rejected,
		Published:  published,
		Dropped:    dropped,
		DateTime:   time.Now().UTC().Format("2006-01-02T15:04:05"),
	}

	payload, err := json.Marshal(hb)
	if err != nil {
		logger.Log.WithError(err).Warn("marshalling heartbeat failed")
		return
	}

	if r.cache != nil {
		key := KeyPrefix + r.deviceID
		if err := r.cache.Set(ctx, key, payload, 3*r.interval).Err(); err != nil {
			logger.Log.WithError(err).Debug("heartbeat cache write failed")
		}
	}

	if r.client == nil || r.url == "" {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		logger.Log.WithError(err).Warn("building heartbeat request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		logger.Log.WithError(err).Warn("heartbeat upload failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Log.WithField("status", resp.StatusCode).Warn(fmt.Sprintf("heartbeat rejected by %s", r.url))
		return
	}
	logger.Log.WithField("device", r.deviceID).Debug("heartbeat uploaded")
}

func macAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return strings.ToUpper(iface.HardwareAddr.String())
	}
	return ""
}
