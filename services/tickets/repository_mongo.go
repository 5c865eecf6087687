package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implementa TicketingStore usando MongoDB. O inventário de uma sala é
// um único documento, então vendas são um FindOneAndUpdate com pré-condição
// $elemMatch no tier e $inc posicional. Reembolsos tocam dois documentos e usam
// transação de sessão (exige replica set).
type MongoStore struct {
	client      *mongo.Client
	inventories *mongo.Collection
	receipts    *mongo.Collection
}

// NewMongoStore cria uma nova instância de MongoStore
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:      client,
		inventories: db.Collection("paid_room_inventories"),
		receipts:    db.Collection("ticket_receipts"),
	}
}

// EnsureIndexes cria os índices de unicidade de recibos
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.receipts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "payment_reference", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "ticket_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"ticket_id": bson.M{"$gt": ""}}),
		},
		{
			Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "user_id", Value: 1}, {Key: "status", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create receipt indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, inventory *PaidRoomInventory) error {
	if err := inventory.CheckInvariants(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInventory, err)
	}

	doc := inventory.Clone()
	if doc.AppliedEventIDs == nil {
		doc.AppliedEventIDs = []string{}
	}
	if doc.PaidUsers == nil {
		doc.PaidUsers = []string{}
	}

	if _, err := s.inventories.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrInventoryExists
		}
		return fmt.Errorf("failed to insert inventory: %w", err)
	}
	return nil
}

func (s *MongoStore) Load(ctx context.Context, roomID string) (*PaidRoomInventory, error) {
	var inv PaidRoomInventory
	err := s.inventories.FindOne(ctx, bson.M{"_id": roomID}).Decode(&inv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrInventoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}
	return &inv, nil
}

func (s *MongoStore) ConditionalDecrement(ctx context.Context, roomID, tierName string, quantity int, buyerID string) (TierMutation, error) {
	if quantity < 1 {
		return TierMutation{}, ErrInvalidQuantity
	}

	// O preço unitário entra na pré-condição: se o tier mudou entre a leitura e a
	// escrita, o update não casa e a venda é reclassificada.
	tier, err := s.loadTier(ctx, roomID, tierName)
	if err != nil {
		return TierMutation{}, err
	}
	if !tier.Active {
		return TierMutation{}, fmt.Errorf("%w: %s", ErrTierInactive, tierName)
	}

	filter := bson.M{
		"_id": roomID,
		"tiers": bson.M{"$elemMatch": bson.M{
			"name":       tierName,
			"active":     true,
			"unit_price": tier.UnitPrice,
			"available":  bson.M{"$gte": quantity},
		}},
	}
	update := bson.M{
		"$inc": bson.M{
			"tiers.$.sold":      quantity,
			"tiers.$.available": -quantity,
			"total_sold":        quantity,
			"total_available":   -quantity,
			"total_revenue":     tier.UnitPrice * int64(quantity),
		},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	if buyerID != "" {
		update["$addToSet"] = bson.M{"paid_users": buyerID}
		update["$inc"].(bson.M)[holdingField(buyerID)] = quantity
	}

	var updated PaidRoomInventory
	err = s.inventories.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return TierMutation{}, s.classifyDecrementFailure(ctx, roomID, tierName)
	}
	if err != nil {
		return TierMutation{}, fmt.Errorf("failed to decrease tier: %w", err)
	}
	return mutationFor(&updated, tierName)
}

func (s *MongoStore) classifyDecrementFailure(ctx context.Context, roomID, tierName string) error {
	tier, err := s.loadTier(ctx, roomID, tierName)
	if err != nil {
		return err
	}
	if !tier.Active {
		return fmt.Errorf("%w: %s", ErrTierInactive, tierName)
	}
	// available < quantity, ou o preço mudou no meio da venda
	return ErrInsufficientStock
}

func (s *MongoStore) ConditionalIncrement(ctx context.Context, roomID, tierName string, quantity int) (TierMutation, error) {
	if quantity < 1 {
		return TierMutation{}, ErrInvalidQuantity
	}

	tier, err := s.loadTier(ctx, roomID, tierName)
	if err != nil {
		return TierMutation{}, err
	}
	return s.releaseTier(ctx, roomID, tierName, quantity, tier.UnitPrice*int64(quantity), bson.M{"unit_price": tier.UnitPrice})
}

// releaseTier devolve unidades ao tier e estorna revenue dos agregados
func (s *MongoStore) releaseTier(ctx context.Context, roomID, tierName string, quantity int, revenue int64, extra bson.M) (TierMutation, error) {
	match := bson.M{
		"name": tierName,
		"sold": bson.M{"$gte": quantity},
	}
	for k, v := range extra {
		match[k] = v
	}
	filter := bson.M{
		"_id":   roomID,
		"tiers": bson.M{"$elemMatch": match},
	}
	update := bson.M{
		"$inc": bson.M{
			"tiers.$.sold":      -quantity,
			"tiers.$.available": quantity,
			"total_sold":        -quantity,
			"total_available":   quantity,
			"total_revenue":     -revenue,
		},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}

	var updated PaidRoomInventory
	err := s.inventories.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, err := s.loadTier(ctx, roomID, tierName); err != nil {
			return TierMutation{}, err
		}
		return TierMutation{}, ErrInvalidRefund
	}
	if err != nil {
		return TierMutation{}, fmt.Errorf("failed to increase tier: %w", err)
	}
	return mutationFor(&updated, tierName)
}

func (s *MongoStore) loadTier(ctx context.Context, roomID, tierName string) (Tier, error) {
	inv, err := s.Load(ctx, roomID)
	if err != nil {
		return Tier{}, err
	}
	tier, ok := inv.FindTier(tierName)
	if !ok {
		return Tier{}, fmt.Errorf("%w: %s", ErrTierNotFound, tierName)
	}
	return tier, nil
}

// holdingField é o caminho das unidades detidas pelo comprador no documento da sala.
// O id vira hex porque '.' e '$' não podem aparecer num caminho de update.
func holdingField(userID string) string {
	return "holdings." + hex.EncodeToString([]byte(userID))
}

// releaseHolding devolve as unidades do comprador e informa se ele ficou sem nenhuma.
// Roda dentro da transação do reembolso.
func (s *MongoStore) releaseHolding(sc mongo.SessionContext, roomID, userID string, quantity int) (bool, error) {
	field := holdingField(userID)
	var doc struct {
		Holdings map[string]int `bson:"holdings"`
	}
	err := s.inventories.FindOneAndUpdate(sc,
		bson.M{"_id": roomID},
		bson.M{"$inc": bson.M{field: -quantity}},
		options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetProjection(bson.M{field: 1}),
	).Decode(&doc)
	if err != nil {
		return false, fmt.Errorf("failed to release held units: %w", err)
	}
	if doc.Holdings[hex.EncodeToString([]byte(userID))] > 0 {
		return false, nil
	}

	if _, err := s.inventories.UpdateOne(sc,
		bson.M{"_id": roomID},
		bson.M{
			"$unset": bson.M{field: ""},
			"$pull":  bson.M{"paid_users": userID},
		},
	); err != nil {
		return false, fmt.Errorf("failed to remove paid user: %w", err)
	}
	return true, nil
}

func mutationFor(inv *PaidRoomInventory, tierName string) (TierMutation, error) {
	tier, ok := inv.FindTier(tierName)
	if !ok {
		return TierMutation{}, fmt.Errorf("%w: %s", ErrTierNotFound, tierName)
	}
	return TierMutation{TierName: tier.Name, UnitPrice: tier.UnitPrice, Sold: tier.Sold, Available: tier.Available}, nil
}

// RecordEventApplied usa $ne como pré-condição: só um dos entregadores concorrentes casa o filtro
func (s *MongoStore) RecordEventApplied(ctx context.Context, roomID, eventID string) (bool, error) {
	res, err := s.inventories.UpdateOne(ctx,
		bson.M{"_id": roomID, "applied_event_ids": bson.M{"$ne": eventID}},
		bson.M{"$push": bson.M{"applied_event_ids": eventID}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	count, err := s.inventories.CountDocuments(ctx, bson.M{"_id": roomID})
	if err != nil {
		return false, fmt.Errorf("failed to inspect inventory: %w", err)
	}
	if count == 0 {
		return false, ErrInventoryNotFound
	}
	return false, nil
}

func (s *MongoStore) Save(ctx context.Context, receipt *Receipt) (*Receipt, bool, error) {
	if _, err := s.receipts.InsertOne(ctx, receipt); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			existing, err := s.GetByPaymentReference(ctx, receipt.PaymentReference)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to save receipt: %w", err)
	}
	saved := *receipt
	return &saved, true, nil
}

// Finalize grava o desfecho de um recibo pendente; o filtro de status torna a regravação idempotente
func (s *MongoStore) Finalize(ctx context.Context, receipt *Receipt) error {
	if err := receipt.checkOutcome(); err != nil {
		return err
	}

	res, err := s.receipts.UpdateOne(ctx,
		bson.M{
			"_id":    receipt.ReceiptID,
			"status": bson.M{"$in": bson.A{ReceiptStatusPending, receipt.Status}},
		},
		bson.M{"$set": bson.M{
			"ticket_id":        receipt.TicketID,
			"entry_credential": receipt.EntryCredential,
			"qr_code":          receipt.QRCode,
			"unit_price":       receipt.UnitPrice,
			"total_amount":     receipt.TotalAmount,
			"status":           receipt.Status,
			"failure_reason":   receipt.FailureReason,
			"updated_at":       receipt.UpdatedAt,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to finalize receipt: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	current, err := s.Get(ctx, receipt.ReceiptID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: receipt %s is already %s", ErrInvalidReceipt, receipt.ReceiptID, current.Status)
}

func (s *MongoStore) findReceipt(ctx context.Context, filter bson.M) (*Receipt, error) {
	var rc Receipt
	err := s.receipts.FindOne(ctx, filter).Decode(&rc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return &rc, nil
}

func (s *MongoStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	return s.findReceipt(ctx, bson.M{"_id": receiptID})
}

func (s *MongoStore) GetByPaymentReference(ctx context.Context, paymentReference string) (*Receipt, error) {
	return s.findReceipt(ctx, bson.M{"payment_reference": paymentReference})
}

func (s *MongoStore) GetByTicketID(ctx context.Context, ticketID string) (*Receipt, error) {
	if ticketID == "" {
		return nil, ErrReceiptNotFound
	}
	return s.findReceipt(ctx, bson.M{"ticket_id": ticketID})
}

func (s *MongoStore) List(ctx context.Context, filter ReceiptFilter) ([]*Receipt, error) {
	query := bson.M{}
	if filter.UserID != "" {
		query["user_id"] = filter.UserID
	}
	if filter.RoomID != "" {
		query["room_id"] = filter.RoomID
	}
	if filter.TicketID != "" {
		query["ticket_id"] = filter.TicketID
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}

	cursor, err := s.receipts.Find(ctx, query,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	receipts := make([]*Receipt, 0)
	if err := cursor.All(ctx, &receipts); err != nil {
		return nil, fmt.Errorf("failed to decode receipts: %w", err)
	}
	return receipts, nil
}

func (s *MongoStore) UpdateCredential(ctx context.Context, receiptID string, cred Credential) error {
	res, err := s.receipts.UpdateOne(ctx,
		bson.M{"_id": receiptID},
		bson.M{"$set": bson.M{
			"entry_credential": cred.Token,
			"qr_code":          cred.QRCode,
			"updated_at":       time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

func (s *MongoStore) ApplyRefund(ctx context.Context, receiptID string, refundedAt time.Time) (RefundOutcome, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return RefundOutcome{}, fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		receipt, err := s.findReceipt(sc, bson.M{"_id": receiptID})
		if err != nil {
			return nil, err
		}
		if receipt.Status != ReceiptStatusCompleted {
			return RefundOutcome{Receipt: receipt}, nil
		}

		mutation, err := s.releaseTier(sc, receipt.RoomID, receipt.TierName, receipt.Quantity, receipt.TotalAmount, nil)
		if err != nil {
			return nil, err
		}

		res, err := s.receipts.UpdateOne(sc,
			bson.M{"_id": receiptID, "status": ReceiptStatusCompleted},
			bson.M{"$set": bson.M{
				"status":      ReceiptStatusRefunded,
				"refunded_at": refundedAt,
				"updated_at":  refundedAt,
			}},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to mark receipt refunded: %w", err)
		}
		if res.ModifiedCount == 0 {
			return nil, fmt.Errorf("%w: receipt %s changed during refund", ErrInvalidReceipt, receiptID)
		}

		revoked, err := s.releaseHolding(sc, receipt.RoomID, receipt.UserID, receipt.Quantity)
		if err != nil {
			return nil, err
		}

		if err := receipt.MarkRefunded(refundedAt); err != nil {
			return nil, err
		}
		return RefundOutcome{Receipt: receipt, Applied: true, Mutation: mutation, MembershipRevoked: revoked}, nil
	})
	if err != nil {
		return RefundOutcome{}, err
	}
	return result.(RefundOutcome), nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
