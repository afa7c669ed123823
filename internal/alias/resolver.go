// Package alias 把收件地址解析为所属组织。
package alias

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"receiptflow/backend/internal/domain"
	"receiptflow/backend/internal/storage"
)

// Resolver 负责从收件地址定位组织。
type Resolver struct {
	orgs storage.OrgRepository
}

// NewResolver 创建别名解析器。
func NewResolver(orgs storage.OrgRepository) *Resolver {
	return &Resolver{orgs: orgs}
}

// ExtractSlug 从收件地址提取规范化 slug。
// 取 @ 前的本地部分，去掉 +tag 后缀并转为小写。
// 子地址变体 (acme+march@...) 与主地址归属同一组织。
func ExtractSlug(address string) string {
	address = strings.TrimSpace(address)
	if at := strings.Index(address, "@"); at >= 0 {
		address = address[:at]
	}
	if plus := strings.Index(address, "+"); plus >= 0 {
		address = address[:plus]
	}
	return strings.ToLower(address)
}

// Resolve 解析收件地址，返回别名及其所属组织。
// 别名或组织不存在、或任一处于停用状态时返回 ErrRecipientNotFound，
// 对外不区分"不存在"与"已停用"。
func (r *Resolver) Resolve(ctx context.Context, address string) (*domain.OrgAlias, *domain.Organization, error) {
	slug := ExtractSlug(address)
	if slug == "" {
		return nil, nil, fmt.Errorf("%w: empty recipient", domain.ErrRecipientNotFound)
	}

	orgAlias, err := r.orgs.GetAliasBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, storage.ErrAliasNotFound) {
			return nil, nil, fmt.Errorf("%w: alias %q", domain.ErrRecipientNotFound, slug)
		}
		return nil, nil, fmt.Errorf("lookup alias: %w", err)
	}
	if !orgAlias.IsActive {
		return nil, nil, fmt.Errorf("%w: alias %q", domain.ErrRecipientNotFound, slug)
	}

	org, err := r.orgs.GetOrganization(ctx, orgAlias.OrgID)
	if err != nil {
		if errors.Is(err, storage.ErrOrgNotFound) {
			return nil, nil, fmt.Errorf("%w: org %s", domain.ErrRecipientNotFound, orgAlias.OrgID)
		}
		return nil, nil, fmt.Errorf("lookup org: %w", err)
	}
	if !org.IsActive {
		return nil, nil, fmt.Errorf("%w: org %s", domain.ErrRecipientNotFound, org.ID)
	}

	return orgAlias, org, nil
}
