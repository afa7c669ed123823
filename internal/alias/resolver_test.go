package alias

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiptflow/backend/internal/domain"
	"receiptflow/backend/internal/storage/memory"
)

func TestExtractSlug(t *testing.T) {
	tests := []struct {
		name    string
		address string
		want    string
	}{
		{"完整地址取本地部分", "acme-receipts@in.example.com", "acme-receipts"},
		{"去除子地址标签", "acme-receipts+march@in.example.com", "acme-receipts"},
		{"统一转为小写", "ACME-Receipts@In.Example.Com", "acme-receipts"},
		{"裸slug原样返回", "acme-receipts", "acme-receipts"},
		{"空地址", "", ""},
		{"首尾空白被去除", "  acme@in.example.com  ", "acme"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractSlug(tt.address))
		})
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Resolver, *memory.Store) {
		store := memory.NewStore()
		require.NoError(t, store.SaveOrganization(ctx, &domain.Organization{
			ID: "org-1", Name: "Acme", Slug: "acme", IsActive: true,
		}))
		require.NoError(t, store.SaveAlias(ctx, &domain.OrgAlias{
			ID: "al-1", OrgID: "org-1", Slug: "acme-receipts",
			Address: "acme-receipts@in.example.com", IsActive: true,
		}))
		return NewResolver(store), store
	}

	t.Run("解析有效别名", func(t *testing.T) {
		resolver, _ := setup(t)
		orgAlias, org, err := resolver.Resolve(ctx, "acme-receipts@in.example.com")
		require.NoError(t, err)
		assert.Equal(t, "al-1", orgAlias.ID)
		assert.Equal(t, "org-1", org.ID)
	})

	t.Run("子地址变体归属同一组织", func(t *testing.T) {
		resolver, _ := setup(t)
		_, org, err := resolver.Resolve(ctx, "acme-receipts+2026-03@in.example.com")
		require.NoError(t, err)
		assert.Equal(t, "org-1", org.ID)
	})

	t.Run("未知别名", func(t *testing.T) {
		resolver, _ := setup(t)
		_, _, err := resolver.Resolve(ctx, "ghost@in.example.com")
		assert.ErrorIs(t, err, domain.ErrRecipientNotFound)
	})

	t.Run("停用的别名视为不存在", func(t *testing.T) {
		resolver, store := setup(t)
		require.NoError(t, store.SaveAlias(ctx, &domain.OrgAlias{
			ID: "al-2", OrgID: "org-1", Slug: "old-receipts", IsActive: false,
		}))
		_, _, err := resolver.Resolve(ctx, "old-receipts@in.example.com")
		assert.ErrorIs(t, err, domain.ErrRecipientNotFound)
	})

	t.Run("停用的组织视为不存在", func(t *testing.T) {
		resolver, store := setup(t)
		require.NoError(t, store.SaveOrganization(ctx, &domain.Organization{
			ID: "org-2", Name: "Gone", Slug: "gone", IsActive: false,
		}))
		require.NoError(t, store.SaveAlias(ctx, &domain.OrgAlias{
			ID: "al-3", OrgID: "org-2", Slug: "gone-receipts", IsActive: true,
		}))
		_, _, err := resolver.Resolve(ctx, "gone-receipts@in.example.com")
		assert.ErrorIs(t, err, domain.ErrRecipientNotFound)
	})

	t.Run("空收件地址", func(t *testing.T) {
		resolver, _ := setup(t)
		_, _, err := resolver.Resolve(ctx, "")
		assert.ErrorIs(t, err, domain.ErrRecipientNotFound)
	})
}
