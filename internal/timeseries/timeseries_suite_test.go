package timeseries_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestTimeseries(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Timeseries Suite")
}
