package metrics

import (
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// WriteExposition writes the current selfstart_ metrics to w in Prometheus
// text exposition format. Metrics from other libraries sharing the default
// registry are filtered out.
func WriteExposition(w io.Writer) error {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return err
	}

	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if strings.HasPrefix(mf.GetName(), "selfstart_") {
			if err := enc.Encode(mf); err != nil {
				return err
			}
		}
	}
	return nil
}
