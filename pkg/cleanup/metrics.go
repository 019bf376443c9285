package cleanup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	documentsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatservice_cleanup_documents_deleted_total",
		Help: "Documents removed by the bulk deleter",
	})

	deleteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatservice_cleanup_delete_retries_total",
		Help: "Delete attempts that failed and were retried",
	})

	documentsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatservice_cleanup_documents_abandoned_total",
		Help: "Documents left behind after exhausting retries or failing permanently",
	})

	accountsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatservice_cleanup_accounts_total",
		Help: "Account deletion runs by result",
	}, []string{"result"})
)
