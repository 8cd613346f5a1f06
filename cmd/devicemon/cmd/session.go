package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/relabs-tech/devicemon/blob"
	"github.com/relabs-tech/devicemon/mqtt"
	"github.com/relabs-tech/devicemon/session"
)

// openSession connects to the broker and assembles a device session. The
// returned cleanup closes both again. A broker that cannot be reached is a
// hard error, there is no retry at startup.
func openSession() (*session.Session, func(), error) {
	if err := requireDeviceID(); err != nil {
		return nil, nil, err
	}
	store, err := blob.NewStore(blobConfiguration())
	if err != nil {
		return nil, nil, err
	}

	var s *session.Session
	client, err := mqtt.NewClient(mqtt.Builder{
		BrokerURL: cfg.BrokerURL,
		DeviceID:  cfg.DeviceID,
		OnMessage: func(topic string, payload []byte) {
			s.HandleMessage(topic, payload)
		},
	})
	if err != nil {
		return nil, nil, err
	}
	s, err = session.New(session.Builder{
		DeviceID:  cfg.DeviceID,
		Transport: client,
		Store:     store,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := client.Connect(); err != nil {
		s.Close()
		return nil, nil, err
	}
	cleanup := func() {
		s.Close()
		client.Close()
	}
	return s, cleanup, nil
}

func formatSnapshot(snapshot session.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "device:      %s\n", snapshot.DeviceID)
	if snapshot.Connection.LastSeen.IsZero() {
		fmt.Fprintf(&b, "connection:  %s, never seen\n", snapshot.Connection.Status)
	} else {
		fmt.Fprintf(&b, "connection:  %s, last seen %s\n",
			snapshot.Connection.Status,
			snapshot.Connection.LastSeen.Format(time.RFC3339))
	}

	paths := make([]string, 0, len(snapshot.Twin.Reported))
	for path := range snapshot.Twin.Reported {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	fmt.Fprintf(&b, "reported:    %d properties\n", len(paths))
	for _, path := range paths {
		fmt.Fprintf(&b, "  %s = %s\n", path, snapshot.Twin.Reported[path])
	}

	if len(snapshot.Twin.Desired) > 0 {
		fmt.Fprintf(&b, "pending configuration:\n")
		for path, pending := range snapshot.Twin.Desired {
			marker := ""
			if pending.Diverged {
				marker = "  (diverged, device does not accept the value)"
			}
			fmt.Fprintf(&b, "  %s = %s%s\n", path, pending.Value, marker)
		}
	}

	for kind, state := range snapshot.Commands {
		fmt.Fprintf(&b, "command %s: %s\n", kind, state)
	}
	for target, job := range snapshot.Deployments {
		fmt.Fprintf(&b, "deployment %s: %s (%s)\n", target, job.State, job.DeploymentID)
	}
	if len(snapshot.Events) > 0 {
		fmt.Fprintf(&b, "last events:\n")
		events := snapshot.Events
		if len(events) > 5 {
			events = events[len(events)-5:]
		}
		for _, event := range events {
			fmt.Fprintf(&b, "  %s [%s] component %d event %d\n",
				event.Timestamp, event.LevelString(), event.ComponentID, event.EventID)
		}
	}
	return b.String()
}
