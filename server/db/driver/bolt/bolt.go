// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package bolt is a bbolt-backed market archive.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/server/db"
	"github.com/ethereum/go-ethereum/common"
	"go.etcd.io/bbolt"
)

// Bolt works on []byte keys and values. These are the bucket names and the
// metadata keys.
var (
	txsBucket      = []byte("txs")
	eventsBucket   = []byte("events")
	listingsBucket = []byte("listings")
	sellersBucket  = []byte("sellers")
	metaBucket     = []byte("meta")
	lastTxKey      = []byte("lasttx")
	versionKey     = []byte("version")

	dbVersion = uint64Bytes(1)
)

// Config is the bolt archive configuration.
type Config struct {
	// Path is the database file. Its directory is created if needed.
	Path string
}

// Driver implements db.Driver.
type Driver struct{}

// Open creates the archive. cfg must be a *Config or Config.
func (d *Driver) Open(_ context.Context, cfg any) (db.Archivist, error) {
	switch c := cfg.(type) {
	case *Config:
		return NewArchiver(c)
	case Config:
		return NewArchiver(&c)
	default:
		return nil, fmt.Errorf("invalid config type %T", cfg)
	}
}

// UseLogger sets the package logger.
func (d *Driver) UseLogger(logger fm.Logger) {
	UseLogger(logger)
}

func init() {
	db.Register("bolt", &Driver{})
}

// Archiver is the bbolt implementation of db.Archivist.
type Archiver struct {
	*bbolt.DB
}

// Check that Archiver satisfies the db.Archivist interface.
var _ db.Archivist = (*Archiver)(nil)

type bucketFunc func(*bbolt.Bucket) error

// NewArchiver opens or creates the database file.
func NewArchiver(cfg *Config) (*Archiver, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("no database path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("unable to create database directory: %w", err)
	}
	bdb, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	a := &Archiver{DB: bdb}
	if err := a.makeTopLevelBuckets([][]byte{txsBucket, eventsBucket,
		listingsBucket, sellersBucket, metaBucket}); err != nil {
		bdb.Close()
		return nil, err
	}
	log.Infof("Opened bolt archive at %s", cfg.Path)
	return a, nil
}

func (a *Archiver) makeTopLevelBuckets(buckets [][]byte) error {
	return a.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		meta := tx.Bucket(metaBucket)
		if v := meta.Get(versionKey); v == nil {
			return meta.Put(versionKey, dbVersion)
		} else if !bytes.Equal(v, dbVersion) {
			return fmt.Errorf("unknown database version %d", intCoder.Uint64(v))
		}
		return nil
	})
}

// StoreTx archives the command and its events and updates the listing
// projections, all in one bbolt transaction.
func (a *Archiver) StoreTx(_ context.Context, rec *db.TxRecord) error {
	recB, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return a.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		var lastID uint64
		if v := meta.Get(lastTxKey); v != nil {
			lastID = intCoder.Uint64(v)
		}
		if err := db.ValidateTxRecord(rec, lastID); err != nil {
			return err
		}
		txIDB := uint64Bytes(rec.ID)
		if err := tx.Bucket(txsBucket).Put(txIDB, recB); err != nil {
			return err
		}
		events, listings, sellers := tx.Bucket(eventsBucket), tx.Bucket(listingsBucket), tx.Bucket(sellersBucket)
		for _, ev := range rec.Events {
			evB, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if err := events.Put(eventKey(ev.TxID, ev.Index), evB); err != nil {
				return err
			}
			if !db.IsListingEvent(ev.Kind) {
				continue
			}
			if err := applyListingEvent(listings, sellers, ev); err != nil {
				return err
			}
		}
		return meta.Put(lastTxKey, txIDB)
	})
}

func applyListingEvent(listings, sellers *bbolt.Bucket, ev *db.Event) error {
	k := uint64Bytes(ev.ListingID)
	lr := new(db.ListingRecord)
	if v := listings.Get(k); v != nil {
		if err := json.Unmarshal(v, lr); err != nil {
			return err
		}
	} else if ev.Kind != db.EventListingCreated {
		return db.ArchiveError{
			Code:   db.ErrUnknownListing,
			Detail: fmt.Sprintf("%s event for listing %d", ev.Kind, ev.ListingID),
		}
	}
	lr.Apply(ev)
	lrB, err := json.Marshal(lr)
	if err != nil {
		return err
	}
	if err := listings.Put(k, lrB); err != nil {
		return err
	}
	if ev.Kind == db.EventListingCreated {
		return sellers.Put(sellerKey(lr.Seller, lr.ID), []byte{})
	}
	return nil
}

// Txs returns the commands with ID greater than since.
func (a *Archiver) Txs(_ context.Context, since uint64) ([]*db.TxRecord, error) {
	var recs []*db.TxRecord
	if since == math.MaxUint64 {
		return recs, nil
	}
	return recs, a.withBucket(txsBucket, a.View, func(bkt *bbolt.Bucket) error {
		c := bkt.Cursor()
		for k, v := c.Seek(uint64Bytes(since + 1)); k != nil; k, v = c.Next() {
			rec := new(db.TxRecord)
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("error decoding tx %d: %w", intCoder.Uint64(k), err)
			}
			recs = append(recs, rec)
		}
		return nil
	})
}

// Events returns the events of transactions after since. A page stops at the
// first transaction boundary at or past n events.
func (a *Archiver) Events(_ context.Context, since uint64, n int) ([]*db.Event, error) {
	var evs []*db.Event
	if since == math.MaxUint64 {
		return evs, nil
	}
	return evs, a.withBucket(eventsBucket, a.View, func(bkt *bbolt.Bucket) error {
		c := bkt.Cursor()
		for k, v := c.Seek(uint64Bytes(since + 1)); k != nil; k, v = c.Next() {
			if n > 0 && len(evs) >= n && intCoder.Uint64(k) != evs[len(evs)-1].TxID {
				break
			}
			ev := new(db.Event)
			if err := json.Unmarshal(v, ev); err != nil {
				return err
			}
			evs = append(evs, ev)
		}
		return nil
	})
}

// Listing returns the listing projection.
func (a *Archiver) Listing(_ context.Context, id uint64) (*db.ListingRecord, error) {
	lr := new(db.ListingRecord)
	return lr, a.withBucket(listingsBucket, a.View, func(bkt *bbolt.Bucket) error {
		v := bkt.Get(uint64Bytes(id))
		if v == nil {
			return db.ArchiveError{Code: db.ErrUnknownListing, Detail: fmt.Sprint(id)}
		}
		return json.Unmarshal(v, lr)
	})
}

// SellerListings returns the seller's listings in ID order.
func (a *Archiver) SellerListings(_ context.Context, seller common.Address, activeOnly bool) ([]*db.ListingRecord, error) {
	var lrs []*db.ListingRecord
	return lrs, a.View(func(tx *bbolt.Tx) error {
		listings := tx.Bucket(listingsBucket)
		c := tx.Bucket(sellersBucket).Cursor()
		for k, _ := c.Seek(seller[:]); k != nil && bytes.HasPrefix(k, seller[:]); k, _ = c.Next() {
			id := k[common.AddressLength:]
			v := listings.Get(id)
			if v == nil {
				return fmt.Errorf("seller index references missing listing %d", intCoder.Uint64(id))
			}
			lr := new(db.ListingRecord)
			if err := json.Unmarshal(v, lr); err != nil {
				return err
			}
			if activeOnly && lr.Status != db.ListingStatusActive {
				continue
			}
			lrs = append(lrs, lr)
		}
		return nil
	})
}

// LastTxID is the newest archived command ID.
func (a *Archiver) LastTxID(_ context.Context) (uint64, error) {
	var lastID uint64
	return lastID, a.withBucket(metaBucket, a.View, func(bkt *bbolt.Bucket) error {
		if v := bkt.Get(lastTxKey); v != nil {
			lastID = intCoder.Uint64(v)
		}
		return nil
	})
}

// withBucket runs f with the named top-level bucket in a View or Update.
func (a *Archiver) withBucket(bkt []byte, viewer func(func(*bbolt.Tx) error) error, f bucketFunc) error {
	return viewer(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bkt)
		if bucket == nil {
			return fmt.Errorf("failed to open %s bucket", string(bkt))
		}
		return f(bucket)
	})
}

var intCoder = binary.BigEndian

func uint64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	intCoder.PutUint64(b, i)
	return b
}

func eventKey(txID uint64, idx uint32) []byte {
	b := make([]byte, 12)
	intCoder.PutUint64(b, txID)
	intCoder.PutUint32(b[8:], idx)
	return b
}

func sellerKey(seller common.Address, id uint64) []byte {
	return append(seller.Bytes(), uint64Bytes(id)...)
}
