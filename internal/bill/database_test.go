package bill

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/billscan/internal/scanning"
)

var _ = Describe("BoltDB", func() {
	var (
		ctx context.Context
		db  *BoltDB
		now time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		var err error
		db, err = NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	pending := func(id, fileKey string) *Record {
		return &Record{ID: id, FileKey: fileKey, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	}

	Describe("Put", func() {
		When("saving succeeds", func() {
			It("should be found by file key", func() {
				Expect(db.Put(ctx, pending("conn-1", "upload_a.png"))).To(Succeed())

				records, err := db.FindByFileKey(ctx, "upload_a.png")
				Expect(err).NotTo(HaveOccurred())
				Expect(records).To(HaveLen(1))
				Expect(records[0].ID).To(Equal("conn-1"))
				Expect(records[0].Status).To(Equal(StatusPending))
				Expect(records[0].CreatedAt).To(BeTemporally("==", now))
			})
		})

		When("overwriting a record", func() {
			It("should keep the stored result", func() {
				Expect(db.Put(ctx, pending("conn-1", "upload_a.png"))).To(Succeed())

				processed := pending("conn-1", "upload_a.png")
				processed.Status = StatusProcessed
				processed.Result = &Payload{
					FileName: "upload_a.png",
					Analysis: &scanning.Result{
						LineItems:  []scanning.LineItem{{ItemName: "Idli", Quantity: 2, Rate: 20, Amount: 40}},
						TotalTaxes: 2,
					},
				}
				Expect(db.Put(ctx, processed)).To(Succeed())

				records, err := db.FindByFileKey(ctx, "upload_a.png")
				Expect(err).NotTo(HaveOccurred())
				Expect(records).To(HaveLen(1))
				Expect(records[0].Status).To(Equal(StatusProcessed))
				Expect(records[0].Result.Analysis.LineItems[0].ItemName).To(Equal("Idli"))
				Expect(records[0].Result.Analysis.TotalTaxes).To(Equal(scanning.Number(2)))
			})
		})

		When("a connection moves to another file", func() {
			It("should update the index", func() {
				Expect(db.Put(ctx, pending("conn-1", "upload_a.png"))).To(Succeed())
				Expect(db.Put(ctx, pending("conn-1", "upload_b.png"))).To(Succeed())

				old, err := db.FindByFileKey(ctx, "upload_a.png")
				Expect(err).NotTo(HaveOccurred())
				Expect(old).To(BeEmpty())

				current, err := db.FindByFileKey(ctx, "upload_b.png")
				Expect(err).NotTo(HaveOccurred())
				Expect(current).To(HaveLen(1))
			})
		})

		When("the record has no id", func() {
			It("should return an error", func() {
				Expect(db.Put(ctx, pending("", "upload_a.png"))).NotTo(Succeed())
			})
		})
	})

	Describe("PutIf", func() {
		var processed *Record

		BeforeEach(func() {
			processed = pending("conn-1", "upload_a.png")
			processed.Status = StatusProcessed
			processed.Result = &Payload{FileName: "upload_a.png", Analysis: &scanning.Result{}}
		})

		When("the stored record has the expected status", func() {
			It("should write the record", func() {
				Expect(db.Put(ctx, pending("conn-1", "upload_a.png"))).To(Succeed())
				Expect(db.PutIf(ctx, processed, Precondition{Status: StatusPending, FileKey: "upload_a.png"})).To(Succeed())

				records, _ := db.FindByFileKey(ctx, "upload_a.png")
				Expect(records[0].Status).To(Equal(StatusProcessed))
			})
		})

		When("the stored record was already processed", func() {
			It("should return ErrConditionFailed", func() {
				Expect(db.Put(ctx, processed)).To(Succeed())
				err := db.PutIf(ctx, processed, Precondition{Status: StatusPending})
				Expect(errors.Is(err, ErrConditionFailed)).To(BeTrue())
			})
		})

		When("the connection is pending on another file", func() {
			It("should return ErrConditionFailed and leave the other file's record", func() {
				Expect(db.Put(ctx, pending("conn-1", "upload_b.png"))).To(Succeed())
				err := db.PutIf(ctx, processed, Precondition{Status: StatusPending, FileKey: "upload_a.png"})
				Expect(errors.Is(err, ErrConditionFailed)).To(BeTrue())

				records, err := db.FindByFileKey(ctx, "upload_b.png")
				Expect(err).NotTo(HaveOccurred())
				Expect(records).To(HaveLen(1))
				Expect(records[0].Status).To(Equal(StatusPending))
			})
		})

		When("no record exists", func() {
			It("should fail when a status is expected", func() {
				err := db.PutIf(ctx, processed, Precondition{Status: StatusPending})
				Expect(errors.Is(err, ErrConditionFailed)).To(BeTrue())
			})

			It("should succeed when absence is expected", func() {
				Expect(db.PutIf(ctx, processed, Precondition{})).To(Succeed())
			})
		})

		When("absence is expected but a record exists", func() {
			It("should return ErrConditionFailed", func() {
				Expect(db.Put(ctx, pending("conn-1", "upload_b.png"))).To(Succeed())
				err := db.PutIf(ctx, processed, Precondition{})
				Expect(errors.Is(err, ErrConditionFailed)).To(BeTrue())
			})
		})
	})

	Describe("Get", func() {
		It("should return the record by ID", func() {
			Expect(db.Put(ctx, pending("conn-1", "upload_a.png"))).To(Succeed())

			record, err := db.Get(ctx, "conn-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(record.FileKey).To(Equal("upload_a.png"))
		})

		It("should return nil for an unknown ID", func() {
			record, err := db.Get(ctx, "conn-missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(record).To(BeNil())
		})
	})

	Describe("FindByFileKey", func() {
		It("should return every record for the file", func() {
			Expect(db.Put(ctx, pending("conn-1", "upload_a.png"))).To(Succeed())
			Expect(db.Put(ctx, pending("conn-2", "upload_a.png"))).To(Succeed())
			Expect(db.Put(ctx, pending("conn-3", "upload_b.png"))).To(Succeed())

			records, err := db.FindByFileKey(ctx, "upload_a.png")
			Expect(err).NotTo(HaveOccurred())
			ids := []string{records[0].ID, records[1].ID}
			Expect(ids).To(ConsistOf("conn-1", "conn-2"))
		})

		It("should return an empty slice for unknown files", func() {
			records, err := db.FindByFileKey(ctx, "upload_missing.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(records).NotTo(BeNil())
			Expect(records).To(BeEmpty())
		})
	})

	Describe("Delete", func() {
		It("should remove the record and its index entry", func() {
			Expect(db.Put(ctx, pending("conn-1", "upload_a.png"))).To(Succeed())
			Expect(db.Put(ctx, pending("conn-2", "upload_a.png"))).To(Succeed())

			Expect(db.Delete(ctx, "conn-1")).To(Succeed())

			records, err := db.FindByFileKey(ctx, "upload_a.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(records[0].ID).To(Equal("conn-2"))
		})

		It("should ignore unknown ids", func() {
			Expect(db.Delete(ctx, "nobody")).To(Succeed())
		})
	})

	Describe("persistence", func() {
		It("should keep records across reopen", func() {
			path := filepath.Join(GinkgoT().TempDir(), "reopen.db")
			first, err := NewBoltDB(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Put(ctx, pending("conn-1", "upload_a.png"))).To(Succeed())
			Expect(first.Close()).To(Succeed())

			second, err := NewBoltDB(path)
			Expect(err).NotTo(HaveOccurred())
			defer second.Close()
			records, err := second.FindByFileKey(ctx, "upload_a.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
		})
	})
})
