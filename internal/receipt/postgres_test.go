package receipt

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Postgres queries", func() {
	Describe("receiptQuery", func() {
		It("selects everything ordered by id without a filter", func() {
			sql, args, err := receiptQuery(ReceiptFilter{}).ToSql()
			Expect(err).NotTo(HaveOccurred())
			Expect(sql).To(HavePrefix("SELECT id, vendor, invoice_date"))
			Expect(sql).To(HaveSuffix("FROM receipts ORDER BY id"))
			Expect(args).To(BeEmpty())
		})

		It("uses dollar placeholders for filters", func() {
			sql, args, err := receiptQuery(ReceiptFilter{
				Status:     ExtractionExtracted,
				FolderPath: "2025/06",
				Unmatched:  true,
			}).ToSql()
			Expect(err).NotTo(HaveOccurred())
			Expect(sql).To(ContainSubstring("WHERE extraction_status = $1 AND folder_path = $2 AND reconciliation_status <> $3"))
			Expect(args).To(Equal([]interface{}{"EXTRACTED", "2025/06", "MATCHED"}))
		})
	})

	Describe("transactionQuery", func() {
		It("filters by account and inclusive date range", func() {
			from := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
			to := time.Date(2025, time.June, 30, 0, 0, 0, 0, time.UTC)
			sql, args, err := transactionQuery(TransactionFilter{AccountID: "acc", From: from, To: to}).ToSql()
			Expect(err).NotTo(HaveOccurred())
			Expect(sql).To(ContainSubstring("WHERE account_id = $1 AND date >= $2 AND date <= $3"))
			Expect(sql).To(HaveSuffix("ORDER BY date, id"))
			Expect(args).To(Equal([]interface{}{"acc", from, to}))
		})
	})

	Describe("matchQuery", func() {
		It("orders by descending score", func() {
			sql, args, err := matchQuery(MatchFilter{Status: MatchProposed, ReceiptID: "r1"}).ToSql()
			Expect(err).NotTo(HaveOccurred())
			Expect(sql).To(ContainSubstring("FROM matches WHERE status = $1 AND receipt_id = $2"))
			Expect(sql).To(HaveSuffix("ORDER BY score DESC, receipt_id, transaction_id"))
			Expect(args).To(Equal([]interface{}{"PROPOSED", "r1"}))
		})
	})

	Describe("transactionInserts", func() {
		It("splits large imports into batches under the parameter limit", func() {
			txs := make([]*BankTransaction, 2500)
			for i := range txs {
				txs[i] = &BankTransaction{ID: fmt.Sprintf("t%d", i), Date: time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)}
			}

			inserts := transactionInserts(txs)
			Expect(inserts).To(HaveLen(3))

			var rows int
			for i, b := range inserts {
				sql, args, err := b.ToSql()
				Expect(err).NotTo(HaveOccurred())
				Expect(sql).To(HaveSuffix("ON CONFLICT (id) DO NOTHING"))
				Expect(len(args)).To(BeNumerically("<=", 65535))
				if i == 0 {
					Expect(sql).To(ContainSubstring("$7000)"))
					Expect(sql).NotTo(ContainSubstring("$7001"))
				}
				rows += len(args) / len(transactionColumns)
			}
			Expect(rows).To(Equal(2500))
			Expect(txs[2499].Status).To(Equal(Unmatched))
		})
	})

	Describe("nullableDate", func() {
		It("maps the zero time to NULL", func() {
			Expect(nullableDate(time.Time{})).To(BeNil())
		})

		It("keeps a real date", func() {
			d := time.Date(2025, time.June, 3, 0, 0, 0, 0, time.UTC)
			Expect(*nullableDate(d)).To(Equal(d))
		})
	})
})

// Runs only with RECONCILER_TEST_DATABASE_URL pointing at a disposable database.
var _ = Describe("PostgresDB", Ordered, func() {
	var (
		ctx  context.Context
		pool *pgxpool.Pool
		db   *PostgresDB
		now  = time.Date(2025, time.July, 1, 12, 0, 0, 0, time.UTC)
		day  = func(d int) time.Time { return time.Date(2025, time.June, d, 0, 0, 0, 0, time.UTC) }
	)

	BeforeAll(func() {
		dsn := os.Getenv("RECONCILER_TEST_DATABASE_URL")
		if dsn == "" {
			Skip("RECONCILER_TEST_DATABASE_URL not set")
		}
		ctx = context.Background()

		var err error
		pool, err = NewPool(ctx, dsn)
		Expect(err).NotTo(HaveOccurred())
		_, err = pool.Exec(ctx, "DROP TABLE IF EXISTS matches, bank_transactions, receipts")
		Expect(err).NotTo(HaveOccurred())
		db, err = NewPostgresDB(ctx, pool)
		Expect(err).NotTo(HaveOccurred())

		for _, id := range []string{"r1", "r2"} {
			Expect(db.SaveReceipt(ctx, &Receipt{
				ID: id, Vendor: "ACME", InvoiceDate: day(3), Amount: 4250,
				ExtractionStatus: ExtractionExtracted, CreatedAt: now, UpdatedAt: now,
			})).To(Succeed())
		}
		n, err := db.InsertTransactions(ctx, []*BankTransaction{
			{ID: "t1", AccountID: "acc", Date: day(4), Amount: -4250, ImportedAt: now},
			{ID: "t2", AccountID: "acc", Date: day(5), Amount: -4250, ImportedAt: now},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))
	})

	AfterAll(func() {
		if db != nil {
			db.Close()
		}
	})

	It("skips transactions it already has", func() {
		n, err := db.InsertTransactions(ctx, []*BankTransaction{{ID: "t1", AccountID: "acc", Date: day(4), Amount: -4250, ImportedAt: now}})
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
	})

	It("proposes each pair once", func() {
		proposals := []*Match{
			{ReceiptID: "r1", TransactionID: "t1", Score: 0.95},
			{ReceiptID: "r1", TransactionID: "t2", Score: 0.95},
		}
		n, err := db.UpsertProposed(ctx, proposals, now)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))

		n, err = db.UpsertProposed(ctx, proposals, now)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
	})

	It("confirms one pair and rejects its sibling", func() {
		m, err := db.Confirm(ctx, "r1", "t1", now)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Status).To(Equal(MatchConfirmed))

		sibling, err := db.ListMatches(ctx, MatchFilter{ReceiptID: "r1", TransactionID: "t2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(sibling[0].Status).To(Equal(MatchRejected))

		tx, err := db.GetTransaction(ctx, "t1")
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.Status).To(Equal(Matched))
	})

	It("refuses a second confirmation of the same transaction", func() {
		_, err := db.ManualMatch(ctx, "r2", "t1", now)
		Expect(err).To(MatchError(ErrConflict))
	})

	It("frees the transaction when the receipt is deleted", func() {
		Expect(db.DeleteReceipt(ctx, "r1")).To(Succeed())
		tx, err := db.GetTransaction(ctx, "t1")
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.Status).To(Equal(Unmatched))

		_, err = db.GetReceipt(ctx, "r1")
		Expect(err).To(MatchError(ErrNotFound))
	})
})
