package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/swapslab/tradeloop/publicapi"
	"github.com/swapslab/tradeloop/service/loopcache"
	"github.com/swapslab/tradeloop/service/persist"
	"github.com/swapslab/tradeloop/util"
)

type createTenantInput struct {
	Name           string                  `json:"name" binding:"required"`
	Settings       *persist.TenantSettings `json:"settings"`
	PersistEnabled bool                    `json:"persist_enabled"`
}

func createTenant(c *gin.Context) {
	var in createTenantInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, util.ErrorResponse{Error: err.Error()})
		return
	}
	t, err := publicapi.For(c).Admin.CreateTenant(c.Request.Context(), in.Name, in.Settings, in.PersistEnabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func listTenants(c *gin.Context) {
	c.JSON(http.StatusOK, publicapi.For(c).Admin.ListTenants(c.Request.Context()))
}

func deleteTenant(c *gin.Context) {
	err := publicapi.For(c).Admin.DeleteTenant(c.Request.Context(), persist.TenantID(c.Param("tenantID")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func getSettings(c *gin.Context) {
	s, err := publicapi.For(c).Admin.GetSettings(c.Request.Context(), persist.TenantID(c.Param("tenantID")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func updateSettings(c *gin.Context) {
	var in persist.TenantSettings
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, util.ErrorResponse{Error: err.Error()})
		return
	}
	if err := publicapi.For(c).Admin.UpdateSettings(c.Request.Context(), persist.TenantID(c.Param("tenantID")), in); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func usage(c *gin.Context) {
	u, err := publicapi.For(c).Admin.Usage(c.Request.Context(), persist.TenantID(c.Param("tenantID")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func forceSnapshot(c *gin.Context) {
	if err := publicapi.For(c).Admin.Snapshot(c.Request.Context(), persist.TenantID(c.Param("tenantID"))); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type submitInventoryInput struct {
	Wallet persist.WalletID `json:"wallet" binding:"required"`
	NFTs   []persist.NFT    `json:"nfts" binding:"required"`
}

func submitInventory(c *gin.Context) {
	var in submitInventoryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, util.ErrorResponse{Error: err.Error()})
		return
	}
	ack, err := publicapi.For(c).Event.SubmitInventory(c.Request.Context(), tenantID(c), in.Wallet, in.NFTs)
	respondAck(c, ack, err)
}

func removeInventory(c *gin.Context) {
	ack, err := publicapi.For(c).Event.RemoveInventory(c.Request.Context(), tenantID(c), persist.NFTID(c.Param("nftID")))
	respondAck(c, ack, err)
}

type submitWantsInput struct {
	Wallet      persist.WalletID       `json:"wallet" binding:"required"`
	NFTs        []persist.NFTID        `json:"nfts"`
	Collections []persist.CollectionID `json:"collections"`
}

func submitWants(c *gin.Context) {
	var in submitWantsInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, util.ErrorResponse{Error: err.Error()})
		return
	}
	ack, err := publicapi.For(c).Event.SubmitWants(c.Request.Context(), tenantID(c), in.Wallet, in.NFTs, in.Collections)
	respondAck(c, ack, err)
}

func removeWant(c *gin.Context) {
	wallet := persist.WalletID(c.Query("wallet"))
	ack, err := publicapi.For(c).Event.RemoveWant(c.Request.Context(), tenantID(c), wallet, persist.NFTID(c.Param("nftID")))
	respondAck(c, ack, err)
}

func removeCollectionWant(c *gin.Context) {
	wallet := persist.WalletID(c.Query("wallet"))
	ack, err := publicapi.For(c).Event.RemoveCollectionWant(c.Request.Context(), tenantID(c), wallet, persist.CollectionID(c.Param("collectionID")))
	respondAck(c, ack, err)
}

type transferInput struct {
	NFT      persist.NFTID    `json:"nft" binding:"required"`
	NewOwner persist.WalletID `json:"new_owner" binding:"required"`
}

func notifyTransfer(c *gin.Context) {
	var in transferInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, util.ErrorResponse{Error: err.Error()})
		return
	}
	ack, err := publicapi.For(c).Event.NotifyTransfer(c.Request.Context(), tenantID(c), in.NFT, in.NewOwner)
	respondAck(c, ack, err)
}

type membersInput struct {
	// A null members field asks the configured external resolver for the
	// current membership; an empty array clears the collection.
	Members []persist.NFTID `json:"members"`
}

func setCollectionMembers(c *gin.Context) {
	var in membersInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, util.ErrorResponse{Error: err.Error()})
		return
	}
	ack, err := publicapi.For(c).Event.NotifyCollectionMembership(c.Request.Context(), tenantID(c), persist.CollectionID(c.Param("collectionID")), in.Members)
	respondAck(c, ack, err)
}

func getActiveLoops(c *gin.Context) {
	filter := loopcache.Filter{
		Wallet:     persist.WalletID(c.Query("wallet")),
		NFT:        persist.NFTID(c.Query("nft")),
		Collection: persist.CollectionID(c.Query("collection")),
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := publicapi.For(c).Query.GetActiveLoops(c.Request.Context(), tenantID(c), filter, limit, c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func getLoopDetail(c *gin.Context) {
	loop, err := publicapi.For(c).Query.GetLoopDetail(c.Request.Context(), tenantID(c), c.Param("canonicalID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loop)
}

func getStats(c *gin.Context) {
	stats, err := publicapi.For(c).Query.GetStats(c.Request.Context(), tenantID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func respondAck(c *gin.Context, ack publicapi.Ack, err error) {
	if err != nil && !ack.Accepted {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		// Partial batch: committed records were scheduled, the rest failed.
		status = http.StatusMultiStatus
	}
	c.JSON(status, ack)
}

func tenantID(c *gin.Context) persist.TenantID {
	return persist.TenantID(c.Param("tenantID"))
}
