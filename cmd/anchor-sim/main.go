// Command anchor-sim publishes GPS_ANCHOR fixes for a fixed-infrastructure
// anchor to a host's MQTT relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"crowdlink/go-mesh-node/internal/protocol"
	"crowdlink/go-mesh-node/internal/relay"
)

// metersPerDegree approximates one degree of latitude.
const metersPerDegree = 111_320.0

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT relay address, e.g. tcp://localhost:1883")
	anchorID := flag.String("anchor-id", "sim-anchor-1", "Anchor peer identifier")
	name := flag.String("name", "Simulated Anchor", "Anchor display name")
	lat := flag.Float64("lat", 48.8566, "Anchor latitude")
	lng := flag.Float64("lng", 2.3522, "Anchor longitude")
	accuracy := flag.Float64("accuracy", 5, "Reported fix accuracy in meters")
	jitter := flag.Float64("jitter", 2, "Maximum random drift applied to each fix in meters")
	interval := flag.Duration("interval", 5*time.Second, "Interval between published fixes")

	flag.Parse()

	clientID := fmt.Sprintf("%s-simulator-%d", *anchorID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to relay: %v", token.Error())
	}
	log.Printf("connected to MQTT relay %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	topic := relay.AnchorTopic(*anchorID)
	publish := func() {
		fixLat, fixLng := drift(*lat, *lng, *jitter)
		payload, err := protocol.Encode(protocol.GPSAnchor{
			PeerID:    *anchorID,
			Name:      *name,
			Latitude:  fixLat,
			Longitude: fixLng,
			Accuracy:  *accuracy,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			log.Printf("failed to encode anchor: %v", err)
			return
		}

		token := client.Publish(topic, 0, false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s lat=%.6f lng=%.6f", topic, fixLat, fixLng)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

// drift offsets a fix by up to meters in each axis.
func drift(lat, lng, meters float64) (float64, float64) {
	if meters <= 0 {
		return lat, lng
	}
	dLat := (rand.Float64()*2 - 1) * meters / metersPerDegree
	dLng := (rand.Float64()*2 - 1) * meters / metersPerDegree
	return lat + dLat, lng + dLng
}
