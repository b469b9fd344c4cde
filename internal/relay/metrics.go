package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pixelrelay_connected_clients",
		Help: "Websocket clients currently connected.",
	})

	activeRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pixelrelay_active_rooms",
		Help: "Rooms with at least one connected client.",
	})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelrelay_operations_total",
		Help: "Paint operations received from clients, by result.",
	}, []string{"result"})

	slowClientsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pixelrelay_slow_clients_total",
		Help: "Clients disconnected because their send buffer was full.",
	})
)
