package receipt

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var (
		ctx  context.Context
		db   *BoltDB
		now  time.Time
		day  = func(d int) time.Time { return time.Date(2025, time.June, d, 0, 0, 0, 0, time.UTC) }
		save = func(r *Receipt) {
			Expect(db.SaveReceipt(ctx, r)).To(Succeed())
		}
		insert = func(txs ...*BankTransaction) {
			_, err := db.InsertTransactions(ctx, txs)
			Expect(err).NotTo(HaveOccurred())
		}
		propose = func(ms ...*Match) int {
			n, err := db.UpsertProposed(ctx, ms, now)
			Expect(err).NotTo(HaveOccurred())
			return n
		}
		matchOf = func(receiptID, txID string) *Match {
			ms, err := db.ListMatches(ctx, MatchFilter{ReceiptID: receiptID, TransactionID: txID})
			Expect(err).NotTo(HaveOccurred())
			Expect(ms).To(HaveLen(1))
			return ms[0]
		}
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2025, time.July, 1, 12, 0, 0, 0, time.UTC)
		var err error
		db, err = NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("SaveReceipt", func() {
		var (
			receipt *Receipt
			err     error
		)

		BeforeEach(func() {
			receipt = &Receipt{
				ID:               "r1",
				Vendor:           "ACME GmbH",
				InvoiceDate:      day(3),
				Amount:           4250,
				Filename:         "acme.pdf",
				ContentType:      "application/pdf",
				ExtractionStatus: ExtractionExtracted,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
		})

		JustBeforeEach(func() {
			err = db.SaveReceipt(ctx, receipt)
		})

		When("the receipt is new", func() {
			It("stores it as unmatched", func() {
				Expect(err).NotTo(HaveOccurred())
				saved, getErr := db.GetReceipt(ctx, "r1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.Vendor).To(Equal("ACME GmbH"))
				Expect(saved.ReconciliationStatus).To(Equal(Unmatched))
			})
		})

		When("the receipt is already matched", func() {
			BeforeEach(func() {
				save(&Receipt{ID: "r1", ExtractionStatus: ExtractionExtracted})
				insert(&BankTransaction{ID: "t1", Amount: -4250, Date: day(4)})
				_, mErr := db.ManualMatch(ctx, "r1", "t1", now)
				Expect(mErr).NotTo(HaveOccurred())
				receipt.ReconciliationStatus = Unmatched
			})

			It("keeps the reconciliation status", func() {
				Expect(err).NotTo(HaveOccurred())
				saved, _ := db.GetReceipt(ctx, "r1")
				Expect(saved.ReconciliationStatus).To(Equal(Matched))
				Expect(saved.Amount.String()).To(Equal("42.50"))
			})
		})
	})

	Describe("CreateReceipt", func() {
		It("creates a receipt only once", func() {
			created, err := db.CreateReceipt(ctx, &Receipt{ID: "r1", Filename: "first.pdf"})
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())

			created, err = db.CreateReceipt(ctx, &Receipt{ID: "r1", Filename: "second.pdf"})
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeFalse())

			saved, _ := db.GetReceipt(ctx, "r1")
			Expect(saved.Filename).To(Equal("first.pdf"))
		})
	})

	Describe("GetReceipt", func() {
		When("receipt does not exist", func() {
			It("returns ErrNotFound", func() {
				_, err := db.GetReceipt(ctx, "nonexistent")
				Expect(err).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("ListReceipts", func() {
		BeforeEach(func() {
			save(&Receipt{ID: "r1", ExtractionStatus: ExtractionExtracted, FolderPath: "2025/06"})
			save(&Receipt{ID: "r2", ExtractionStatus: ExtractionFailed, FolderPath: "2025/06"})
			save(&Receipt{ID: "r3", ExtractionStatus: ExtractionExtracted, FolderPath: "2025/07"})
		})

		It("returns all receipts without a filter", func() {
			receipts, err := db.ListReceipts(ctx, ReceiptFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(3))
		})

		It("filters by status and folder", func() {
			receipts, err := db.ListReceipts(ctx, ReceiptFilter{Status: ExtractionExtracted, FolderPath: "2025/06"})
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(1))
			Expect(receipts[0].ID).To(Equal("r1"))
		})
	})

	Describe("InsertTransactions", func() {
		It("counts only new transactions", func() {
			n, err := db.InsertTransactions(ctx, []*BankTransaction{{ID: "t1"}, {ID: "t2"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))

			n, err = db.InsertTransactions(ctx, []*BankTransaction{{ID: "t2"}, {ID: "t3"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			txs, err := db.ListTransactions(ctx, TransactionFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(txs).To(HaveLen(3))
		})

		It("lists transactions in date order within the range", func() {
			insert(
				&BankTransaction{ID: "late", AccountID: "DE1", Date: day(20)},
				&BankTransaction{ID: "early", AccountID: "DE1", Date: day(2)},
				&BankTransaction{ID: "other", AccountID: "DE2", Date: day(5)},
			)
			txs, err := db.ListTransactions(ctx, TransactionFilter{AccountID: "DE1", From: day(1), To: day(20)})
			Expect(err).NotTo(HaveOccurred())
			Expect(txs).To(HaveLen(2))
			Expect(txs[0].ID).To(Equal("early"))
			Expect(txs[1].ID).To(Equal("late"))
		})
	})

	Describe("match workflow", func() {
		BeforeEach(func() {
			save(&Receipt{ID: "r1", Amount: 4250, InvoiceDate: day(3), ExtractionStatus: ExtractionExtracted, UpdatedAt: now.Add(-time.Hour)})
			save(&Receipt{ID: "r2", Amount: 4250, InvoiceDate: day(3), ExtractionStatus: ExtractionExtracted, UpdatedAt: now.Add(-time.Hour)})
			insert(
				&BankTransaction{ID: "t1", Amount: -4250, Date: day(4)},
				&BankTransaction{ID: "t2", Amount: -4250, Date: day(5)},
			)
		})

		Describe("UpsertProposed", func() {
			It("creates proposals once", func() {
				Expect(propose(&Match{ReceiptID: "r1", TransactionID: "t1", Score: 0.9})).To(Equal(1))
				Expect(propose(&Match{ReceiptID: "r1", TransactionID: "t1", Score: 0.8})).To(Equal(0))

				m := matchOf("r1", "t1")
				Expect(m.Status).To(Equal(MatchProposed))
				Expect(m.Score).To(Equal(0.8))
			})

			It("never touches a confirmed pair", func() {
				propose(&Match{ReceiptID: "r1", TransactionID: "t1", Score: 0.9})
				_, err := db.Confirm(ctx, "r1", "t1", now)
				Expect(err).NotTo(HaveOccurred())

				Expect(propose(&Match{ReceiptID: "r1", TransactionID: "t1", Score: 0.1})).To(Equal(0))
				m := matchOf("r1", "t1")
				Expect(m.Status).To(Equal(MatchConfirmed))
				Expect(m.Score).To(Equal(0.9))
			})

			It("does not propose new pairs for confirmed receipts", func() {
				propose(&Match{ReceiptID: "r1", TransactionID: "t1", Score: 0.9})
				_, err := db.Confirm(ctx, "r1", "t1", now)
				Expect(err).NotTo(HaveOccurred())

				Expect(propose(&Match{ReceiptID: "r1", TransactionID: "t2", Score: 0.9})).To(Equal(0))
				ms, _ := db.ListMatches(ctx, MatchFilter{ReceiptID: "r1"})
				Expect(ms).To(HaveLen(1))
			})

			When("a pair was rejected", func() {
				BeforeEach(func() {
					propose(&Match{ReceiptID: "r1", TransactionID: "t1", Score: 0.9})
					_, err := db.Reject(ctx, "r1", "t1", now)
					Expect(err).NotTo(HaveOccurred())
					now = now.Add(time.Hour)
				})

				It("keeps it rejected while the receipt is unchanged", func() {
					Expect(propose(&Match{ReceiptID: "r1", TransactionID: "t1", Score: 0.9})).To(Equal(0))
					Expect(matchOf("r1", "t1").Status).To(Equal(MatchRejected))
				})

				It("proposes it again after the receipt data changed", func() {
					save(&Receipt{ID: "r1", Amount: 4250, InvoiceDate: day(4), ExtractionStatus: ExtractionExtracted, UpdatedAt: now})
					Expect(propose(&Match{ReceiptID: "r1", TransactionID: "t1", Score: 0.95})).To(Equal(1))
					m := matchOf("r1", "t1")
					Expect(m.Status).To(Equal(MatchProposed))
					Expect(m.ResolvedAt).To(BeNil())
				})
			})
		})

		Describe("Confirm", func() {
			BeforeEach(func() {
				propose(
					&Match{ReceiptID: "r1", TransactionID: "t1", Score: 0.9},
					&Match{ReceiptID: "r1", TransactionID: "t2", Score: 0.8},
					&Match{ReceiptID: "r2", TransactionID: "t1", Score: 0.7},
					&Match{ReceiptID: "r2", TransactionID: "t2", Score: 0.7},
				)
			})

			It("confirms the pair and rejects its siblings", func() {
				m, err := db.Confirm(ctx, "r1", "t1", now)
				Expect(err).NotTo(HaveOccurred())
				Expect(m.Status).To(Equal(MatchConfirmed))
				Expect(m.ResolvedAt).NotTo(BeNil())

				Expect(matchOf("r1", "t2").Status).To(Equal(MatchRejected))
				Expect(matchOf("r2", "t1").Status).To(Equal(MatchRejected))
				Expect(matchOf("r2", "t2").Status).To(Equal(MatchProposed))
			})

			It("marks both sides matched", func() {
				_, err := db.Confirm(ctx, "r1", "t1", now)
				Expect(err).NotTo(HaveOccurred())

				r, _ := db.GetReceipt(ctx, "r1")
				Expect(r.ReconciliationStatus).To(Equal(Matched))
				Expect(r.UpdatedAt).To(BeTemporally("==", now.Add(-time.Hour)))
				t, _ := db.GetTransaction(ctx, "t1")
				Expect(t.Status).To(Equal(Matched))
			})

			It("is a no-op on an already confirmed pair", func() {
				_, err := db.Confirm(ctx, "r1", "t1", now)
				Expect(err).NotTo(HaveOccurred())
				m, err := db.Confirm(ctx, "r1", "t1", now.Add(time.Hour))
				Expect(err).NotTo(HaveOccurred())
				Expect(m.UpdatedAt).To(BeTemporally("==", now))
			})

			It("refuses a rejected pair", func() {
				_, err := db.Confirm(ctx, "r1", "t1", now)
				Expect(err).NotTo(HaveOccurred())
				_, err = db.Confirm(ctx, "r1", "t2", now)
				Expect(err).To(MatchError(ErrInvalidTransition))
			})

			It("returns ErrNotFound for an unknown pair", func() {
				_, err := db.Confirm(ctx, "r9", "t1", now)
				Expect(err).To(MatchError(ErrNotFound))
			})

			It("keeps every receipt and transaction in at most one confirmed match", func() {
				_, err := db.Confirm(ctx, "r1", "t1", now)
				Expect(err).NotTo(HaveOccurred())
				_, err = db.Confirm(ctx, "r2", "t2", now)
				Expect(err).NotTo(HaveOccurred())

				confirmed, err := db.ListMatches(ctx, MatchFilter{Status: MatchConfirmed})
				Expect(err).NotTo(HaveOccurred())
				receipts := map[string]int{}
				txs := map[string]int{}
				for _, m := range confirmed {
					receipts[m.ReceiptID]++
					txs[m.TransactionID]++
				}
				for _, n := range receipts {
					Expect(n).To(Equal(1))
				}
				for _, n := range txs {
					Expect(n).To(Equal(1))
				}
			})
		})

		Describe("Reject", func() {
			BeforeEach(func() {
				propose(&Match{ReceiptID: "r1", TransactionID: "t1", Score: 0.9})
			})

			It("rejects a proposed match", func() {
				m, err := db.Reject(ctx, "r1", "t1", now)
				Expect(err).NotTo(HaveOccurred())
				Expect(m.Status).To(Equal(MatchRejected))
			})

			It("refuses a confirmed match", func() {
				_, err := db.Confirm(ctx, "r1", "t1", now)
				Expect(err).NotTo(HaveOccurred())
				_, err = db.Reject(ctx, "r1", "t1", now)
				Expect(err).To(MatchError(ErrInvalidTransition))
			})
		})

		Describe("ManualMatch", func() {
			It("confirms a pair the engine never proposed", func() {
				m, err := db.ManualMatch(ctx, "r1", "t2", now)
				Expect(err).NotTo(HaveOccurred())
				Expect(m.Manual).To(BeTrue())
				Expect(m.Status).To(Equal(MatchConfirmed))

				ms, _ := db.ListMatches(ctx, MatchFilter{TransactionID: "t2"})
				Expect(ms).To(HaveLen(1))
			})

			It("confirms a previously rejected pair", func() {
				propose(&Match{ReceiptID: "r1", TransactionID: "t1", Score: 0.9})
				_, err := db.Reject(ctx, "r1", "t1", now)
				Expect(err).NotTo(HaveOccurred())

				m, err := db.ManualMatch(ctx, "r1", "t1", now)
				Expect(err).NotTo(HaveOccurred())
				Expect(m.Status).To(Equal(MatchConfirmed))
			})

			It("returns ErrConflict when the transaction is taken", func() {
				_, err := db.ManualMatch(ctx, "r1", "t1", now)
				Expect(err).NotTo(HaveOccurred())
				_, err = db.ManualMatch(ctx, "r2", "t1", now)
				Expect(err).To(MatchError(ErrConflict))
			})

			It("returns ErrNotFound for an unknown transaction", func() {
				_, err := db.ManualMatch(ctx, "r1", "t9", now)
				Expect(err).To(MatchError(ErrNotFound))
			})
		})

		Describe("DeleteReceipt", func() {
			It("removes the receipt and frees its transaction", func() {
				_, err := db.ManualMatch(ctx, "r1", "t1", now)
				Expect(err).NotTo(HaveOccurred())

				Expect(db.DeleteReceipt(ctx, "r1")).To(Succeed())

				_, err = db.GetReceipt(ctx, "r1")
				Expect(err).To(MatchError(ErrNotFound))
				t, _ := db.GetTransaction(ctx, "t1")
				Expect(t.Status).To(Equal(Unmatched))
				ms, _ := db.ListMatches(ctx, MatchFilter{TransactionID: "t1"})
				Expect(ms).To(BeEmpty())

				_, err = db.ManualMatch(ctx, "r2", "t1", now)
				Expect(err).NotTo(HaveOccurred())
			})

			It("returns ErrNotFound for an unknown receipt", func() {
				Expect(db.DeleteReceipt(ctx, "nonexistent")).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("Close", func() {
		It("should not return an error", func() {
			Expect(db.Close()).To(Succeed())
			db = nil
		})
	})
})
