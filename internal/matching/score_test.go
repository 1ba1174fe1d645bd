package matching

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("scores", func() {
	Describe("DateScore", func() {
		It("strictly decreases toward the window edge", func() {
			previous := DateScore(0, 7)
			Expect(previous).To(Equal(1.0))
			for d := 1; d <= 7; d++ {
				current := DateScore(d, 7)
				Expect(current).To(BeNumerically("<", previous))
				previous = current
			}
			Expect(previous).To(Equal(0.0))
		})

		It("is zero outside the window", func() {
			Expect(DateScore(8, 7)).To(Equal(0.0))
		})

		It("is one for a same-day zero window", func() {
			Expect(DateScore(0, 0)).To(Equal(1.0))
		})
	})

	Describe("DayDistance", func() {
		It("counts calendar days in either direction", func() {
			Expect(DayDistance(date(6, 1), date(6, 4))).To(Equal(3))
			Expect(DayDistance(date(6, 4), date(6, 1))).To(Equal(3))
		})
	})

	Describe("AmountScore", func() {
		It("compares absolute values", func() {
			Expect(AmountScore(4250, -4250, 0)).To(Equal(1.0))
		})

		It("is zero beyond tolerance", func() {
			Expect(AmountScore(4250, -4300, 10)).To(Equal(0.0))
		})
	})

	DescribeTable("VendorScore",
		func(vendor, description string, expected float64) {
			Expect(VendorScore(vendor, description)).To(BeNumerically("~", expected, 1e-9))
		},
		Entry("legal forms ignored", "ACME Baustoffe", "ACME BAUSTOFFE GMBH", 1.0),
		Entry("diacritics folded", "Café Zürich", "CAFE ZURICH 4711", 1.0),
		Entry("eszett folded", "Straßenbau AG", "STRASSENBAU", 1.0),
		Entry("partial overlap", "Müller Bau Service", "MULLER TANK", 1.0/2.0),
		Entry("no overlap", "ACME", "Tankstelle", 0.0),
		Entry("empty vendor", "", "ACME", 0.0),
	)
})
