package ledger

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseCSV", func() {
	It("maps columns by header name", func() {
		rows, err := ParseCSV(strings.NewReader(
			"Description,Amount,Date,Direction\n" +
				"ACME Baustoffe,42.50,2025-06-05,DEBIT\n" +
				"\"Salary, June\",1200.00,2025-06-06,CREDIT\n"))
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(Equal([]Row{
			{Date: "2025-06-05", Amount: "42.50", Description: "ACME Baustoffe", Direction: "DEBIT"},
			{Date: "2025-06-06", Amount: "1200.00", Description: "Salary, June", Direction: "CREDIT"},
		}))
	})

	It("detects semicolon separated exports", func() {
		rows, err := ParseCSV(strings.NewReader("\xef\xbb\xbfdate;amount;description;account\n05.06.2025;-42,50;ACME;DE89\n"))
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].Amount).To(Equal("-42,50"))
		Expect(rows[0].Account).To(Equal("DE89"))
	})

	It("accepts German bank headers", func() {
		rows, err := ParseCSV(strings.NewReader("Buchungstag;Valuta;Betrag;Verwendungszweck\n05.06.2025;06.06.2025;-42,50;ACME\n"))
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].Date).To(Equal("05.06.2025"))
		Expect(rows[0].Description).To(Equal("ACME"))
	})

	It("requires the date, amount and description columns", func() {
		_, err := ParseCSV(strings.NewReader("date,amount\n2025-06-05,1\n"))
		Expect(err).To(MatchError(ErrMissingColumn))
	})

	It("returns no rows for empty input", func() {
		rows, err := ParseCSV(strings.NewReader(""))
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(BeEmpty())
	})
})
