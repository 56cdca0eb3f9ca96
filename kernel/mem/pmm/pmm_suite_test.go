package pmm_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestPMM(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "PMM Suite")
}
